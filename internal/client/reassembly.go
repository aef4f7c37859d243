package client

import (
	"log"

	"lanrelay/internal/transfer"
	"lanrelay/pkg/protocol"
)

// AttachReassembler routes file events in h into r. Existing file handlers in
// h still run after the reassembler. onSaved receives the sender and saved
// path of every finished file; onError receives disk failures. Either may be
// nil. Call before New, since the client copies its handlers.
func AttachReassembler(h *Handlers, r *transfer.Reassembler, onSaved func(sender, path string), onError func(error)) {
	report := func(err error) {
		if onError != nil {
			onError(err)
			return
		}
		log.Printf("[CLIENT] File transfer error: %v", err)
	}

	prevOffer, prevChunk, prevComplete := h.OnFileOffer, h.OnFileChunk, h.OnFileComplete

	h.OnFileOffer = func(o protocol.FileOffer) {
		if err := r.HandleOffer(o.From, o.Filename, o.Filesize); err != nil {
			report(err)
		}
		if prevOffer != nil {
			prevOffer(o)
		}
	}

	h.OnFileChunk = func(ch protocol.FileChunk) {
		if _, err := r.ReceiveChunk(ch.From, ch.Filename, ch.Chunk, ch.Filesize); err != nil {
			report(err)
		}
		if prevChunk != nil {
			prevChunk(ch)
		}
	}

	h.OnFileComplete = func(fc protocol.FileComplete) {
		path, err := r.Finalize(fc.From, fc.Filename)
		switch {
		case err != nil:
			report(err)
		case onSaved != nil:
			onSaved(fc.From, path)
		}
		if prevComplete != nil {
			prevComplete(fc)
		}
	}
}
