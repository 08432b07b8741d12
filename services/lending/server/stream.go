package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"lendmarket/core/events"
	"lendmarket/observability"
)

const (
	wsWriteTimeout     = 10 * time.Second
	defaultStreamQueue = 256
)

// StreamEvent is one engine event as delivered to stream subscribers.
type StreamEvent struct {
	Sequence   uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  int64             `json:"ts"`
}

// Hub fans committed engine events out to websocket subscribers. It
// implements events.Emitter and never blocks the engine: a subscriber whose
// queue is full is dropped.
type Hub struct {
	mu    sync.Mutex
	seq   uint64
	queue int
	subs  map[*subscriber]struct{}
	clock func() time.Time
}

type subscriber struct {
	ch     chan StreamEvent
	filter streamFilter
}

func NewHub(queue int) *Hub {
	if queue <= 0 {
		queue = defaultStreamQueue
	}
	return &Hub{queue: queue, subs: make(map[*subscriber]struct{}), clock: time.Now}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	out := StreamEvent{Type: evt.EventType()}
	if convertible, ok := evt.(events.Convertible); ok {
		out.Attributes = convertible.Event().Attributes
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	out.Sequence = h.seq
	out.Timestamp = h.clock().Unix()
	for sub := range h.subs {
		if !sub.filter.match(out) {
			continue
		}
		select {
		case sub.ch <- out:
		default:
			observability.ModuleMetrics().RecordThrottle(moduleName, "stream_overflow")
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
}

func (h *Hub) subscribe(filter streamFilter) (*subscriber, func()) {
	sub := &subscriber{ch: make(chan StreamEvent, h.queue), filter: filter}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[sub]; ok {
			delete(h.subs, sub)
			close(sub.ch)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type streamFilter struct {
	types   map[string]struct{}
	market  string
	account string
}

func parseStreamFilter(r *http.Request) streamFilter {
	query := r.URL.Query()
	filter := streamFilter{
		market:  strings.ToUpper(strings.TrimSpace(query.Get("market"))),
		account: strings.TrimSpace(query.Get("account")),
	}
	if raw := strings.TrimSpace(query.Get("type")); raw != "" {
		filter.types = make(map[string]struct{})
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.types[t] = struct{}{}
			}
		}
	}
	return filter
}

func (f streamFilter) match(evt StreamEvent) bool {
	if f.types != nil {
		if _, ok := f.types[evt.Type]; !ok {
			return false
		}
	}
	if f.market != "" && !anyAttr(evt.Attributes, f.market, "market", "debtMarket", "collateralMarket") {
		return false
	}
	if f.account != "" && !anyAttr(evt.Attributes, f.account, "account", "borrower", "from", "to", "payer", "liquidator", "by") {
		return false
	}
	return true
}

func anyAttr(attrs map[string]string, want string, keys ...string) bool {
	for _, key := range keys {
		if attrs[key] == want {
			return true
		}
	}
	return false
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeJSONError(w, r, http.StatusNotImplemented, "unavailable", "event stream not configured")
		return
	}
	sub, cancel := s.cfg.Events.subscribe(parseStreamFilter(r))
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.ch:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if err := writeStreamEvent(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, evt StreamEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
