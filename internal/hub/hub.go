// Package hub keeps the subscriber set and fans out queued records.
//
// All subscriber set access happens on the Run goroutine.
// Other goroutines talk to it through Register/Unregister channels.
// Subscriber.Send must not block, slow subscribers fail instead.
package hub

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/temoto/telerelay/log2"
	"github.com/temoto/telerelay/tele"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPruneInterval     = 10 * time.Second
	DefaultDrainInterval     = 250 * time.Millisecond
	DefaultWelcome           = "Welcome to telerelay"
)

type Subscriber interface {
	ID() string
	// Send queues encoded record, must not block.
	Send([]byte) error
	Closed() bool
	Close()
}

type Source interface {
	Drain() []tele.Message
	Notify() <-chan struct{}
}

type Options struct {
	Log     *log2.Log
	Source  Source
	Metrics *Metrics
	// Status describes device connection for new subscribers.
	Status  func() string
	Welcome string

	HeartbeatInterval time.Duration
	PruneInterval     time.Duration
	// DrainInterval is fallback tick in case Notify was missed.
	DrainInterval time.Duration
	Now           func() time.Time
}

type Hub struct {
	count int32 // atomic

	log     *log2.Log
	source  Source
	metrics *Metrics
	status  func() string
	welcome string
	now     func() time.Time

	heartbeatInterval time.Duration
	pruneInterval     time.Duration
	drainInterval     time.Duration

	subs       map[string]Subscriber
	register   chan Subscriber
	unregister chan Subscriber
	done       chan struct{}
	lastBeat   float64
}

func New(opt Options) *Hub {
	h := &Hub{
		log:               opt.Log,
		source:            opt.Source,
		metrics:           opt.Metrics,
		status:            opt.Status,
		welcome:           opt.Welcome,
		now:               opt.Now,
		heartbeatInterval: opt.HeartbeatInterval,
		pruneInterval:     opt.PruneInterval,
		drainInterval:     opt.DrainInterval,
		subs:              make(map[string]Subscriber),
		register:          make(chan Subscriber),
		unregister:        make(chan Subscriber),
		done:              make(chan struct{}),
	}
	if h.welcome == "" {
		h.welcome = DefaultWelcome
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.heartbeatInterval <= 0 {
		h.heartbeatInterval = DefaultHeartbeatInterval
	}
	if h.pruneInterval <= 0 {
		h.pruneInterval = DefaultPruneInterval
	}
	if h.drainInterval <= 0 {
		h.drainInterval = DefaultDrainInterval
	}
	return h
}

// Count is number of registered subscribers, safe from any goroutine.
func (h *Hub) Count() int { return int(atomic.LoadInt32(&h.count)) }

// Register returns false if hub is stopped, subscriber is closed then.
func (h *Hub) Register(s Subscriber) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		s.Close()
		return false
	}
}

func (h *Hub) Unregister(s Subscriber) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Done is closed after Run returns and all subscribers are closed.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) Run(stopch <-chan struct{}) {
	heartbeat := time.NewTicker(h.heartbeatInterval)
	prune := time.NewTicker(h.pruneInterval)
	drain := time.NewTicker(h.drainInterval)
	defer func() {
		heartbeat.Stop()
		prune.Stop()
		drain.Stop()
		h.closeAll()
		close(h.done)
	}()

	var notify <-chan struct{}
	if h.source != nil {
		notify = h.source.Notify()
	}
	for {
		select {
		case <-stopch:
			return
		case s := <-h.register:
			h.add(s)
		case s := <-h.unregister:
			h.remove(s.ID(), "unregister")
		case <-notify:
			h.pump()
		case <-drain.C:
			h.pump()
		case <-heartbeat.C:
			h.heartbeat()
		case <-prune.C:
			h.prune()
		}
	}
}

func (h *Hub) pump() {
	if h.source == nil {
		return
	}
	for _, m := range h.source.Drain() {
		h.broadcast(m)
	}
}

func (h *Hub) add(s Subscriber) {
	id := s.ID()
	if old, ok := h.subs[id]; ok {
		if old == s {
			return
		}
		h.log.Errorf("duplicate subscriber id=%s, replacing", id)
		h.remove(id, "replaced")
	}
	h.subs[id] = s
	h.setCount()
	h.metrics.connected()
	h.log.Infof("subscriber connected id=%s total=%d", id, len(h.subs))

	status := "device status unknown"
	if h.status != nil {
		status = h.status()
	}
	for _, m := range []tele.Message{tele.System{Message: h.welcome}, tele.System{Message: status}} {
		b, err := tele.Encode(m)
		if err != nil {
			h.log.Errorf("encode kind=%s err=%v", m.Kind(), err)
			continue
		}
		if err = s.Send(b); err != nil {
			h.metrics.sendFailed()
			h.log.Debugf("subscriber id=%s greeting err=%v", id, err)
			if s.Closed() {
				h.remove(id, "closed")
				return
			}
		}
	}
}

func (h *Hub) remove(id string, reason string) {
	s, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	s.Close()
	h.setCount()
	h.metrics.disconnected(reason)
	h.log.Infof("subscriber disconnected id=%s reason=%s total=%d", id, reason, len(h.subs))
}

// broadcast encodes once and sends to everyone. Failures are isolated per subscriber.
func (h *Hub) broadcast(m tele.Message) {
	b, err := tele.Encode(m)
	if err != nil {
		h.log.Errorf("encode kind=%s err=%v", m.Kind(), err)
		return
	}
	h.metrics.broadcast(m.Kind())
	failed := 0
	for id, s := range h.subs {
		if err := s.Send(b); err != nil {
			failed++
			h.metrics.sendFailed()
			h.log.Debugf("send id=%s err=%v", id, err)
		}
	}
	if failed != 0 {
		h.prune()
	}
}

func (h *Hub) heartbeat() {
	hb := tele.NewHeartbeat(h.now())
	if hb.Timestamp <= h.lastBeat {
		hb.Timestamp = math.Nextafter(h.lastBeat, math.Inf(1))
	}
	h.lastBeat = hb.Timestamp
	h.broadcast(hb)
}

// prune removes subscribers with closed connection.
func (h *Hub) prune() {
	for id, s := range h.subs {
		if s.Closed() {
			h.remove(id, "closed")
		}
	}
}

func (h *Hub) closeAll() {
	for id := range h.subs {
		h.remove(id, "shutdown")
	}
}

func (h *Hub) setCount() { atomic.StoreInt32(&h.count, int32(len(h.subs))) }
