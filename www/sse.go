package www

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scribe/engine"
)

const (
	sseMaxClients = 8
	sseClientBuf  = 16
	sseKeepalive  = 30 * time.Second
	sseRetry      = 3 * time.Second
)

// SSEEvent is the typed envelope sent to SSE clients.
type SSEEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// sseClient receives encoded frames. gone is closed when the hub drops the
// client because it fell behind.
type sseClient struct {
	frames chan []byte
	gone   chan struct{}
}

// EventHub fans engine events out to browser EventSource connections. Each
// event is encoded once; a client whose buffer is full is disconnected and
// left to reconnect.
type EventHub struct {
	mu        sync.RWMutex
	clients   map[*sseClient]struct{}
	broadcast chan SSEEvent
	stopChan  chan struct{}
	stopOnce  sync.Once
	seq       uint64
	snapshot  func() interface{}
	log       zerolog.Logger
}

// NewEventHub creates a new EventHub.
func NewEventHub(logger zerolog.Logger) *EventHub {
	return &EventHub{
		clients:   make(map[*sseClient]struct{}),
		broadcast: make(chan SSEEvent, 64),
		stopChan:  make(chan struct{}),
		log:       logger,
	}
}

// Start begins the event fan-out loop.
func (h *EventHub) Start() {
	go h.run()
}

// Stop shuts down the event hub.
func (h *EventHub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// Broadcast queues an event for all clients. It never blocks; events are
// dropped while the buffer is full.
func (h *EventHub) Broadcast(evt SSEEvent) {
	select {
	case h.broadcast <- evt:
	default:
		h.log.Debug().Str("type", evt.Type).Msg("sse broadcast buffer full, event dropped")
	}
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) register(c *sseClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= sseMaxClients {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *EventHub) unregister(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *EventHub) run() {
	for {
		select {
		case <-h.stopChan:
			return
		case evt := <-h.broadcast:
			frame, err := h.encode(evt)
			if err != nil {
				h.log.Warn().Err(err).Str("type", evt.Type).Msg("sse marshal failed")
				continue
			}
			h.fanOut(frame)
		}
	}
}

func (h *EventHub) encode(evt SSEEvent) ([]byte, error) {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return nil, err
	}
	h.seq++
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", h.seq, evt.Type, data)), nil
}

func (h *EventHub) fanOut(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.frames <- frame:
		default:
			delete(h.clients, c)
			close(c.gone)
			h.log.Info().Msg("sse client too slow, disconnected")
		}
	}
}

// HandleSSE is the HTTP handler for SSE connections.
func (h *EventHub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	client := &sseClient{frames: make(chan []byte, sseClientBuf), gone: make(chan struct{})}
	if !h.register(client) {
		http.Error(w, "too many event streams", http.StatusServiceUnavailable)
		return
	}
	defer h.unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	hello := []byte("{}")
	if h.snapshot != nil {
		if b, err := json.Marshal(h.snapshot()); err == nil {
			hello = b
		}
	}
	fmt.Fprintf(w, "retry: %d\nevent: connected\ndata: %s\n\n", sseRetry.Milliseconds(), hello)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.stopChan:
			return
		case <-client.gone:
			return
		case frame := <-client.frames:
			w.Write(frame)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// sseName maps engine events to SSE event names. Sensor errors are left out;
// they can repeat every sample period.
func sseName(t engine.EventType) (string, bool) {
	switch t {
	case engine.EventLinkState:
		return "link-state", true
	case engine.EventLinkAttempt:
		return "link-attempt", true
	case engine.EventPowerCondition:
		return "power", true
	case engine.EventSessionUp, engine.EventSessionDown:
		return "session", true
	case engine.EventStatusPublished:
		return "status", true
	case engine.EventJobQueued:
		return "job-queued", true
	case engine.EventJobPrinted:
		return "job-printed", true
	case engine.EventJobDropped:
		return "job-dropped", true
	case engine.EventShutdownState:
		return "shutdown", true
	default:
		return "", false
	}
}

// SetupEngineListeners wires engine events to SSE broadcasts and greets new
// clients with the engine snapshot. Call before serving HandleSSE.
func (h *EventHub) SetupEngineListeners(eng *engine.Engine) engine.SubscriberID {
	h.snapshot = func() interface{} { return eng.Snapshot() }
	id := eng.Events.Subscribe(func(evt engine.Event) {
		name, ok := sseName(evt.Type)
		if !ok {
			return
		}
		h.Broadcast(SSEEvent{Type: name, Data: evt.Payload})
	})
	h.log.Debug().Msg("SSE listeners wired to engine events")
	return id
}
