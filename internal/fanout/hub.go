// Package fanout implements the Event Fan-out (component F, spec §4.F):
// it ingests the ledger update stream and republishes classified events
// to topic subscribers with offset-based replay and bounded backpressure.
// Grounded on the teacher's pkg/api.Hub/Client websocket pattern —
// register/unregister/broadcast channels guarded by a hub goroutine —
// generalized from "every client gets every broadcast it's subscribed
// to" into per-topic replay buffers keyed by ledger offset.
package fanout

import (
	"sync"

	"go.uber.org/zap"
)

// Envelope is one fanned-out event, keyed by the ledger offset that
// produced it (UpdateID in the WebSocket wire format, §6.2).
type Envelope struct {
	Topic    string
	UpdateID int64
	Type     string // "order:new", "order:update", "trade", "book:snapshot", "balance:update"
	Payload  interface{}
}

// Subscriber receives Envelopes for the topics it has subscribed to. The
// channel is bounded (default spec §6.4 WS_BUFFER_SIZE); on overflow the
// Hub closes Lagged instead of blocking the ingest path (§4.F backpressure).
type Subscriber struct {
	ID     string
	topics map[string]bool
	ch     chan Envelope
	Lagged chan struct{}

	mu sync.RWMutex
}

func (s *Subscriber) Events() <-chan Envelope { return s.ch }

// Push delivers a single Envelope directly to sub, non-blocking. Used by
// the WebSocket layer to hand a subscribe's replay backlog to the same
// channel the live tail arrives on, so the caller never reads two
// separate sources. Returns false if the channel was full.
func (s *Subscriber) Push(e Envelope) bool {
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *Subscriber) subscribed(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topics[topic]
}

func (s *Subscriber) setSubscribed(topic string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.topics[topic] = true
	} else {
		delete(s.topics, topic)
	}
}

const replayRingSize = 2048

type topicState struct {
	subscribers map[*Subscriber]bool
	ring        []Envelope // bounded ring, most recent replayRingSize events
}

func (t *topicState) append(e Envelope) {
	t.ring = append(t.ring, e)
	if len(t.ring) > replayRingSize {
		t.ring = t.ring[len(t.ring)-replayRingSize:]
	}
}

// sinceOffset returns every ring entry with UpdateID > fromOffset, in
// order (§4.F: "receive everything newer, followed by the live tail").
func (t *topicState) sinceOffset(fromOffset int64) []Envelope {
	out := make([]Envelope, 0, len(t.ring))
	for _, e := range t.ring {
		if e.UpdateID > fromOffset {
			out = append(out, e)
		}
	}
	return out
}

// Hub is the process-wide pub/sub core. All state mutation happens on the
// run goroutine; Publish/Subscribe/Unsubscribe/RemoveSubscriber post
// requests onto channels rather than taking a lock directly, mirroring
// the teacher's Hub.Run select loop.
type Hub struct {
	bufferSize int
	log        *zap.SugaredLogger

	publishCh   chan Envelope
	subscribeCh chan subscribeReq
	removeCh    chan *Subscriber

	mu     sync.Mutex
	topics map[string]*topicState
}

type subscribeReq struct {
	sub        *Subscriber
	topic      string
	on         bool
	fromOffset int64
	replay     chan []Envelope
}

func NewHub(bufferSize int, log *zap.SugaredLogger) *Hub {
	return &Hub{
		bufferSize:  bufferSize,
		log:         log,
		publishCh:   make(chan Envelope, 4096),
		subscribeCh: make(chan subscribeReq, 256),
		removeCh:    make(chan *Subscriber, 256),
		topics:      make(map[string]*topicState),
	}
}

// Run drives the hub's single-writer event loop. Call it once, typically
// in its own goroutine, for the process lifetime.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case e := <-h.publishCh:
			h.dispatch(e)

		case req := <-h.subscribeCh:
			h.mu.Lock()
			ts, ok := h.topics[req.topic]
			if !ok {
				ts = &topicState{subscribers: make(map[*Subscriber]bool)}
				h.topics[req.topic] = ts
			}
			if req.on {
				ts.subscribers[req.sub] = true
				req.sub.setSubscribed(req.topic, true)
				if req.replay != nil {
					req.replay <- ts.sinceOffset(req.fromOffset)
				}
			} else {
				delete(ts.subscribers, req.sub)
				req.sub.setSubscribed(req.topic, false)
			}
			h.mu.Unlock()

		case sub := <-h.removeCh:
			h.mu.Lock()
			for _, ts := range h.topics {
				delete(ts.subscribers, sub)
			}
			h.mu.Unlock()
			close(sub.ch)
		}
	}
}

// NewSubscriber registers a fresh Subscriber with no topics yet.
func (h *Hub) NewSubscriber(id string) *Subscriber {
	return &Subscriber{
		ID:     id,
		topics: make(map[string]bool),
		ch:     make(chan Envelope, h.bufferSize),
		Lagged: make(chan struct{}),
	}
}

// Subscribe adds sub to topic and returns every buffered event since
// fromOffset for immediate replay (§4.F/§6.2 "snapshot" then live tail).
func (h *Hub) Subscribe(sub *Subscriber, topic string, fromOffset int64) []Envelope {
	replay := make(chan []Envelope, 1)
	h.subscribeCh <- subscribeReq{sub: sub, topic: topic, on: true, fromOffset: fromOffset, replay: replay}
	return <-replay
}

func (h *Hub) Unsubscribe(sub *Subscriber, topic string) {
	h.subscribeCh <- subscribeReq{sub: sub, topic: topic, on: false}
}

// RemoveSubscriber tears sub out of every topic and closes its channel.
func (h *Hub) RemoveSubscriber(sub *Subscriber) {
	h.removeCh <- sub
}

// Publish fans e out to every subscriber of e.Topic. Called from the
// ingest loop (ingest.go), never from request handlers.
func (h *Hub) Publish(e Envelope) {
	h.publishCh <- e
}

func (h *Hub) dispatch(e Envelope) {
	h.mu.Lock()
	ts, ok := h.topics[e.Topic]
	if !ok {
		ts = &topicState{subscribers: make(map[*Subscriber]bool)}
		h.topics[e.Topic] = ts
	}
	ts.append(e)
	subs := make([]*Subscriber, 0, len(ts.subscribers))
	for s := range ts.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- e:
		default:
			// Bounded buffer full: drop the subscriber with a lagged
			// signal rather than block the ingest path (§4.F backpressure).
			// Lagged is closed only once; a later overflow that arrives
			// before the removal is processed finds it closed already.
			select {
			case <-s.Lagged:
			default:
				h.log.Warnw("subscriber_lagged", "subscriberId", s.ID, "topic", e.Topic)
				close(s.Lagged)
				h.RemoveSubscriber(s)
			}
		}
	}
}
