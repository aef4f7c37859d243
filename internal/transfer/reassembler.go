package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultDirName is created under the user's home directory when no
// download directory is configured.
const DefaultDirName = ".lanrelay-downloads"

// unknownSender stands in for a missing "from" field.
const unknownSender = "unknown"

// Key identifies one incoming transfer.
type Key struct {
	Sender   string
	Filename string
}

// ProgressFunc receives the saved basename and a percentage in [0, 100].
type ProgressFunc func(savedName string, percent int)

type slot struct {
	file      *os.File
	path      string
	savedName string
	total     int64
	received  int64
}

// Reassembler writes incoming files to disk chunk by chunk.
// Each instance owns its own transfer table.
type Reassembler struct {
	dir      string
	progress ProgressFunc

	mu    sync.Mutex
	slots map[Key]*slot

	// abandoned holds transfers dropped after a disk failure. Their late
	// chunks are discarded until a new offer or the closing complete.
	abandoned map[Key]struct{}
}

// DefaultDir returns ~/.lanrelay-downloads.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileIO, err)
	}
	return filepath.Join(home, DefaultDirName), nil
}

// NewReassembler creates dir (DefaultDir when empty). progress may be nil.
func NewReassembler(dir string, progress ProgressFunc) (*Reassembler, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrFileIO, dir, err)
	}
	if progress == nil {
		progress = func(string, int) {}
	}
	return &Reassembler{
		dir:       dir,
		progress:  progress,
		slots:     make(map[Key]*slot),
		abandoned: make(map[Key]struct{}),
	}, nil
}

// Dir returns the download directory.
func (r *Reassembler) Dir() string {
	return r.dir
}

// HandleOffer opens a destination file for (sender, filename). A repeated
// offer for a transfer already in flight is ignored. An offer restarts a
// transfer that was abandoned.
func (r *Reassembler) HandleOffer(sender, filename string, total int64) error {
	r.mu.Lock()
	delete(r.abandoned, r.key(sender, filename))
	s, created, err := r.openSlot(sender, filename, total)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if created {
		r.progress(s.savedName, 0)
	}
	return nil
}

// ReceiveChunk appends one base64 chunk and returns the new percentage.
// A chunk arriving before its offer opens the transfer using total.
// An undecodable chunk counts as empty. A disk failure abandons only this
// transfer and removes its partial file; its remaining chunks are dropped.
func (r *Reassembler) ReceiveChunk(sender, filename, chunk string, total int64) (int, error) {
	key := r.key(sender, filename)

	r.mu.Lock()
	_, dropped := r.abandoned[key]
	r.mu.Unlock()
	if dropped {
		return 0, nil
	}

	data, err := base64.StdEncoding.DecodeString(chunk)
	if err != nil {
		log.Printf("[CLIENT] Undecodable chunk for %s from %s: %v", filename, sender, err)
		data = nil
	}

	r.mu.Lock()
	if _, dropped := r.abandoned[key]; dropped {
		r.mu.Unlock()
		return 0, nil
	}
	s, created, err := r.openSlot(sender, filename, total)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}

	if len(data) > 0 {
		if _, werr := s.file.Write(data); werr != nil {
			r.abandonLocked(key, s)
			r.abandoned[key] = struct{}{}
			r.mu.Unlock()
			return 0, fmt.Errorf("%w: write %s: %v", ErrFileIO, s.path, werr)
		}
		s.received += int64(len(data))
	}
	name, pct := s.savedName, s.percent()
	r.mu.Unlock()

	if created {
		r.progress(name, 0)
	}
	r.progress(name, pct)
	return pct, nil
}

// Finalize closes the transfer and returns the saved path. Finalizing an
// abandoned transfer reports ErrFileIO and forgets it.
func (r *Reassembler) Finalize(sender, filename string) (string, error) {
	key := r.key(sender, filename)

	r.mu.Lock()
	_, dropped := r.abandoned[key]
	delete(r.abandoned, key)
	s, ok := r.slots[key]
	if ok {
		delete(r.slots, key)
	}
	r.mu.Unlock()

	if dropped {
		return "", fmt.Errorf("%w: %s from %s was abandoned after a write failure", ErrFileIO, filename, key.Sender)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s from %s", ErrNoSuchTransfer, filename, key.Sender)
	}

	if err := s.file.Close(); err != nil {
		return "", fmt.Errorf("%w: close %s: %v", ErrFileIO, s.path, err)
	}
	r.progress(s.savedName, 100)
	return s.path, nil
}

// FindSavedPath looks up a saved basename in the download directory.
func (r *Reassembler) FindSavedPath(savedName string) (string, bool) {
	name, err := cleanName(savedName)
	if err != nil {
		return "", false
	}
	p := filepath.Join(r.dir, name)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return "", false
	}
	return p, true
}

// Active returns the number of transfers in flight.
func (r *Reassembler) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Close abandons every transfer in flight and removes the partial files.
func (r *Reassembler) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, s := range r.slots {
		r.abandonLocked(key, s)
	}
	return nil
}

func (r *Reassembler) key(sender, filename string) Key {
	if sender == "" {
		sender = unknownSender
	}
	return Key{Sender: sender, Filename: filename}
}

// openSlot returns the slot for the key, creating it when missing.
// Callers hold r.mu.
func (r *Reassembler) openSlot(sender, filename string, total int64) (*slot, bool, error) {
	key := r.key(sender, filename)
	if s, ok := r.slots[key]; ok {
		return s, false, nil
	}

	name, err := cleanName(filename)
	if err != nil {
		return nil, false, err
	}

	f, savedName, err := createUnique(r.dir, name)
	if err != nil {
		return nil, false, err
	}

	s := &slot{
		file:      f,
		path:      f.Name(),
		savedName: savedName,
		total:     total,
	}
	r.slots[key] = s
	return s, true, nil
}

func (r *Reassembler) abandonLocked(key Key, s *slot) {
	delete(r.slots, key)
	_ = s.file.Close()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[CLIENT] Failed to remove partial file %s: %v", s.path, err)
	}
}

func (s *slot) percent() int {
	if s.total <= 0 {
		return 0
	}
	return int(min(s.received*100/s.total, 100))
}

// cleanName reduces a peer-supplied filename to a bare basename.
// FUNCTIONAL DISCOVERY: senders on Windows may include backslash separators.
func cleanName(filename string) (string, error) {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	switch name {
	case "", ".", "..", "/":
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	return name, nil
}

// createUnique creates name in dir, or name_1.ext, name_2.ext and so on when
// taken. Creation is exclusive so concurrent receivers never share a file.
func createUnique(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		// dotfiles such as ".env" have no extension
		base, ext = name, ""
	}

	candidate := name
	for i := 1; ; i++ {
		f, err := os.OpenFile(filepath.Join(dir, candidate), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", fmt.Errorf("%w: create %s: %v", ErrFileIO, candidate, err)
		}
		candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
}
