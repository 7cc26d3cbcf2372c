package web

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/posture-guard/internal/session"
)

// SerializedEvent holds one event pre-serialized in both SSE formats so
// it is encoded once no matter how many clients receive it.
type SerializedEvent struct {
	JSONData     []byte // JSON object
	ProtobufData []byte // base64 google.protobuf.Struct
}

// eventKind tags what an event carries.
const (
	kindView  = "view"
	kindAlert = "alert"
)

// Hub fans published views and alerts out to SSE clients and sinks. It
// implements session.Display; Render and Alert never block.
type Hub struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	sinks   []func([]byte)
	last    *SerializedEvent
	alert   string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[int]chan *SerializedEvent)}
}

// AddSink registers f to receive the JSON of every event. f must not block.
func (h *Hub) AddSink(f func(data []byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, f)
}

// Subscribe adds a client. The newest view, if any, is queued first.
func (h *Hub) Subscribe() (int, <-chan *SerializedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan *SerializedEvent, 8)
	if h.last != nil {
		ch <- h.last
	}
	h.clients[id] = ch

	log.Debug("SSE client #%d subscribed (total clients: %d)", id, len(h.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
		log.Debug("SSE client #%d unsubscribed (remaining clients: %d)", id, len(h.clients))
	}
}

// Clients returns the number of subscribed clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Render implements session.Display.
func (h *Hub) Render(v session.View) {
	ev, err := serialize(kindView, v)
	if err != nil {
		log.Error("View serialization failed: %v", err)
		return
	}
	h.mu.Lock()
	h.last = ev
	h.mu.Unlock()
	h.broadcast(ev)
}

// Alert implements session.Display.
func (h *Hub) Alert(msg string) {
	ev, err := serialize(kindAlert, map[string]string{"message": msg})
	if err != nil {
		log.Error("Alert serialization failed: %v", err)
		return
	}
	h.mu.Lock()
	h.alert = msg
	h.mu.Unlock()
	log.Warn("Alert: %s", msg)
	h.broadcast(ev)
}

// LastAlert returns the most recent alert text.
func (h *Hub) LastAlert() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alert
}

func (h *Hub) broadcast(ev *SerializedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			// Client too slow, skip this event for this client
		}
	}
	for _, sink := range h.sinks {
		sink(ev.JSONData)
	}
}

// envelope is the JSON shape of an event.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// serialize encodes payload as JSON and as a base64 protobuf Struct with
// the same fields.
func serialize(kind string, payload any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(envelope{Type: kind, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(jsonData, &fields); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}
