package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"lanrelay/pkg/interfaces"
	"lanrelay/pkg/types"
)

const (
	DefaultBufferSize = 1000
	storeTimeout      = 5 * time.Second
)

// Hub moves journal events off the session goroutines and into the store.
// ARCHITECTURAL DISCOVERY: sessions only ever do a non-blocking channel send;
// a slow or failing database can never stall chat delivery.
type Hub struct {
	eventChannel    chan *types.Event
	shutdownChannel chan struct{}
	done            chan struct{}

	store interfaces.EventStore // nil makes the hub log-only

	running bool
	mu      sync.RWMutex

	statsMu sync.Mutex
	stored  int
	failed  int
	dropped int
}

// NewHub creates a hub writing to store. A non-positive bufferSize selects
// DefaultBufferSize.
func NewHub(store interfaces.EventStore, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		eventChannel: make(chan *types.Event, bufferSize),
		store:        store,
	}
}

// Start begins event processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	log.Println("[HUB] Starting event hub...")
	go h.run(ctx, h.shutdownChannel, h.done)

	return nil
}

// Stop shuts the hub down after draining events already queued.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	log.Println("[HUB] Stopping event hub...")
	<-done
	return nil
}

// Publish queues an event without blocking.
func (h *Hub) Publish(event *types.Event) error {
	if event == nil {
		return ErrNilEvent
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.running {
		return ErrHubNotRunning
	}

	select {
	case h.eventChannel <- event:
		return nil
	default:
		h.statsMu.Lock()
		h.dropped++
		h.statsMu.Unlock()
		return ErrEventChannelFull
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer log.Println("[HUB] Event processing stopped")

	for {
		select {
		case event := <-h.eventChannel:
			h.handleEvent(ctx, event)

		case <-shutdown:
			h.drain(ctx)
			return

		case <-ctx.Done():
			log.Println("[HUB] Context cancelled")
			return
		}
	}
}

func (h *Hub) drain(ctx context.Context) {
	for {
		select {
		case event := <-h.eventChannel:
			h.handleEvent(ctx, event)
		default:
			return
		}
	}
}

// handleEvent stores one event. Failures are logged and counted, never retried.
func (h *Hub) handleEvent(ctx context.Context, event *types.Event) {
	if h.store == nil {
		log.Printf("[HUB] Event: kind=%s room=%s user=%s detail=%s", event.Kind, event.Room, event.Username, event.Detail)
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	err := h.store.StoreEvent(storeCtx, event)

	h.statsMu.Lock()
	defer h.statsMu.Unlock()

	if err != nil {
		h.failed++
		log.Printf("[HUB] Failed to store %s event for room %s: %v", event.Kind, event.Room, err)
		return
	}
	h.stored++
}

// GetStats returns event counters
func (h *Hub) GetStats() map[string]int {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()

	return map[string]int{
		"stored":  h.stored,
		"failed":  h.failed,
		"dropped": h.dropped,
		"queued":  len(h.eventChannel),
	}
}
