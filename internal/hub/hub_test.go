package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/telerelay/internal/queue"
	"github.com/temoto/telerelay/log2"
	"github.com/temoto/telerelay/tele"
)

type fakeSub struct {
	id     string
	mu     sync.Mutex
	frames []string
	closed bool
	fail   bool
	ch     chan string
}

func newFakeSub(id string) *fakeSub { return &fakeSub{id: id, ch: make(chan string, 100)} }

func (s *fakeSub) ID() string { return s.id }
func (s *fakeSub) Send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.fail {
		return fmt.Errorf("subscriber %s gone", s.id)
	}
	s.frames = append(s.frames, string(b))
	select {
	case s.ch <- string(b):
	default:
	}
	return nil
}
func (s *fakeSub) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
func (s *fakeSub) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
func (s *fakeSub) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *fakeSub) next(t testing.TB) map[string]interface{} {
	t.Helper()
	select {
	case f := <-s.ch:
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(f), &m))
		return m
	case <-time.After(5 * time.Second):
		t.Fatalf("subscriber %s: no frame", s.id)
		return nil
	}
}

func newTestHub(t testing.TB, opt Options) *Hub {
	opt.Log = log2.NewTest(t, log2.LDebug)
	if opt.Status == nil {
		opt.Status = func() string { return "device not connected" }
	}
	return New(opt)
}

func TestGreeting(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, Options{})
	s := newFakeSub("a")
	h.add(s)
	assert.Equal(t, 1, h.Count())
	assert.Equal(t, []string{
		`{"system":true,"message":"Welcome to telerelay"}`,
		`{"system":true,"message":"device not connected"}`,
	}, s.Frames())
}

func TestGreetingFailure(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, Options{})
	gone := newFakeSub("gone")
	gone.Close()
	h.add(gone)
	assert.Equal(t, 0, h.Count())

	// failing but open subscriber stays, later sends may succeed
	flaky := newFakeSub("flaky")
	flaky.fail = true
	h.add(flaky)
	assert.Equal(t, 1, h.Count())
	flaky.mu.Lock()
	flaky.fail = false
	flaky.mu.Unlock()
	h.broadcast(tele.Alert{Alert: "subject is well"})
	assert.Equal(t, []string{`{"alert":"subject is well"}`}, flaky.Frames())
}

func TestBroadcastIsolation(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	h := newTestHub(t, Options{Metrics: NewMetrics(reg)})
	subs := []*fakeSub{newFakeSub("a"), newFakeSub("b"), newFakeSub("c")}
	for _, s := range subs {
		h.add(s)
	}
	subs[1].Close()

	h.broadcast(tele.Telemetry{Name: "temp", Value: tele.Number(21), Raw: "temp,21"})
	expect := `{"name":"temp","value":21,"raw":"temp,21"}`
	assert.Equal(t, expect, subs[0].Frames()[2])
	assert.Equal(t, expect, subs[2].Frames()[2])
	assert.Len(t, subs[1].Frames(), 2)
	assert.Equal(t, 2, h.Count(), "failed subscriber must be pruned")

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.sendFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.broadcasts.WithLabelValues(tele.KindTelemetry)))
}

func TestDuplicateID(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	h := newTestHub(t, Options{Metrics: NewMetrics(reg)})
	first, second := newFakeSub("same"), newFakeSub("same")
	h.add(first)
	h.add(first)
	assert.Len(t, first.Frames(), 2, "repeated add must not greet again")
	h.add(second)

	assert.True(t, first.Closed())
	assert.False(t, second.Closed())
	assert.Equal(t, 1, h.Count())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.disconnects.WithLabelValues("replaced")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.connects))
}

func TestPrune(t *testing.T) {
	t.Parallel()

	h := newTestHub(t, Options{})
	a, b := newFakeSub("a"), newFakeSub("b")
	h.add(a)
	h.add(b)
	a.Close()
	h.prune()
	assert.Equal(t, 1, h.Count())
	_, ok := h.subs["b"]
	assert.True(t, ok)

	// no subscribers is fine
	h.prune()
	b.Close()
	h.prune()
	assert.Equal(t, 0, h.Count())
	h.broadcast(tele.System{Message: "nobody"})
}

func TestHeartbeatMonotonic(t *testing.T) {
	t.Parallel()

	frozen := time.Unix(1700000000, 0)
	h := newTestHub(t, Options{Now: func() time.Time { return frozen }})
	s := newFakeSub("a")
	h.add(s)
	for i := 0; i < 3; i++ {
		h.heartbeat()
	}
	frames := s.Frames()[2:]
	require.Len(t, frames, 3)
	last := 0.0
	for _, f := range frames {
		var hb struct {
			System    bool    `json:"system"`
			Heartbeat bool    `json:"heartbeat"`
			Timestamp float64 `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal([]byte(f), &hb))
		assert.True(t, hb.System)
		assert.True(t, hb.Heartbeat)
		assert.Greater(t, hb.Timestamp, last)
		last = hb.Timestamp
	}
}

func TestRun(t *testing.T) {
	t.Parallel()

	q, err := queue.New(16)
	require.NoError(t, err)
	h := newTestHub(t, Options{
		Source:            q,
		Status:            func() string { return "device connected" },
		HeartbeatInterval: 20 * time.Millisecond,
		PruneInterval:     10 * time.Millisecond,
	})
	stopch := make(chan struct{})
	go h.Run(stopch)

	a, b := newFakeSub("a"), newFakeSub("b")
	require.True(t, h.Register(a))
	require.True(t, h.Register(b))
	for _, s := range []*fakeSub{a, b} {
		assert.Equal(t, "Welcome to telerelay", s.next(t)["message"])
		assert.Equal(t, "device connected", s.next(t)["message"])
	}

	q.Enqueue(
		tele.Telemetry{Name: "n", Value: tele.Number(1), Raw: "n,1"},
		tele.Telemetry{Name: "n", Value: tele.Number(2), Raw: "n,2"},
	)
	for _, s := range []*fakeSub{a, b} {
		values := []float64{}
		sawHeartbeat := false
		for len(values) < 2 || !sawHeartbeat {
			m := s.next(t)
			if m["heartbeat"] == true {
				sawHeartbeat = true
				continue
			}
			values = append(values, m["value"].(float64))
		}
		assert.Equal(t, []float64{1, 2}, values, "order")
	}

	h.Unregister(a)
	require.Eventually(t, func() bool { return h.Count() == 1 }, 5*time.Second, time.Millisecond)
	assert.True(t, a.Closed())

	b.Close()
	require.Eventually(t, func() bool { return h.Count() == 0 }, 5*time.Second, time.Millisecond)

	c := newFakeSub("c")
	require.True(t, h.Register(c))
	close(stopch)
	<-h.Done()
	assert.True(t, c.Closed(), "shutdown closes subscribers")
	assert.False(t, h.Register(newFakeSub("late")))
	h.Unregister(c)
}

// Idle source: nothing but heartbeats, at the configured interval.
func TestRunHeartbeatOnly(t *testing.T) {
	t.Parallel()

	const interval = 200 * time.Millisecond
	q, err := queue.New(16)
	require.NoError(t, err)
	h := newTestHub(t, Options{
		Source:            q,
		HeartbeatInterval: interval,
		PruneInterval:     time.Hour,
		DrainInterval:     10 * time.Millisecond,
	})
	stopch := make(chan struct{})
	go h.Run(stopch)

	s := newFakeSub("idle")
	require.True(t, h.Register(s))
	time.Sleep(5 * interval / 2)
	close(stopch)
	<-h.Done()

	frames := s.Frames()
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, `{"system":true,"message":"Welcome to telerelay"}`, frames[0])
	assert.Equal(t, `{"system":true,"message":"device not connected"}`, frames[1])
	beats := frames[2:]
	require.Len(t, beats, 2, "frames=%v", frames)
	last := 0.0
	for _, f := range beats {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(f), &m))
		assert.Equal(t, true, m["system"])
		assert.Equal(t, true, m["heartbeat"])
		assert.NotContains(t, m, "name")
		assert.NotContains(t, m, "alert")
		ts, _ := m["timestamp"].(float64)
		assert.Greater(t, ts, last)
		last = ts
	}
}
