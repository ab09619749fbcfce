// Package device owns the serial device connection:
// discover, open, read lines until failure, close, back off, repeat.
//
// Machine.Run blocks on device reads and must have its own goroutine.
// Its only outputs are the Sink and the atomic State.
package device

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/telerelay/helpers"
	"github.com/temoto/telerelay/internal/line"
	"github.com/temoto/telerelay/log2"
	"github.com/temoto/telerelay/tele"
)

type State int32

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	}
	return "invalid"
}

const (
	DefaultBaud        = 115200
	DefaultReadTimeout = 1 * time.Second
	DefaultErrorStreak = 3
)

var (
	ErrDecode = errors.New("line decode")
	ErrClosed = errors.New("channel closed")
)

type ErrTimeoutT string

type Timeouter interface {
	Timeout() bool
}

func (e ErrTimeoutT) Error() string { return string(e) }
func (ErrTimeoutT) Timeout() bool   { return true }

const ErrTimeout = ErrTimeoutT("read timeout")

func IsTimeout(err error) bool {
	t, ok := errors.Cause(err).(Timeouter)
	return ok && t.Timeout()
}

type Discoverer interface {
	// Discover returns device id (serial port path) or false if nothing found.
	Discover() (string, bool)
}

type Opener interface {
	Open(id string, baud int, readTimeout time.Duration) (Channel, error)
}

// Channel ReadLine returns line without terminator.
// Must return ErrTimeout-like error after read timeout without data.
type Channel interface {
	ReadLine() (string, error)
	Close() error
}

type Sink interface {
	Enqueue(...tele.Message)
}

type SleepFunc func(d time.Duration, stopch <-chan struct{}) bool

type Options struct {
	Log         *log2.Log
	Discoverer  Discoverer
	Opener      Opener
	Sink        Sink
	Parser      *line.Parser
	Baud        int
	ReadTimeout time.Duration
	ErrorStreak int
	Backoff     *helpers.Backoff
	OnState     func(State)
	Sleep       SleepFunc
}

type Machine struct {
	state int32 // atomic State

	log         *log2.Log
	discoverer  Discoverer
	opener      Opener
	sink        Sink
	parser      *line.Parser
	baud        int
	readTimeout time.Duration
	errorStreak int
	backoff     *helpers.Backoff
	onState     func(State)
	sleep       SleepFunc
}

func NewMachine(opt Options) (*Machine, error) {
	if opt.Discoverer == nil || opt.Opener == nil || opt.Sink == nil {
		return nil, errors.NotValidf("device machine options discoverer, opener and sink are required")
	}
	m := &Machine{
		log:         opt.Log,
		discoverer:  opt.Discoverer,
		opener:      opt.Opener,
		sink:        opt.Sink,
		parser:      opt.Parser,
		baud:        opt.Baud,
		readTimeout: opt.ReadTimeout,
		errorStreak: opt.ErrorStreak,
		backoff:     opt.Backoff,
		onState:     opt.OnState,
		sleep:       opt.Sleep,
	}
	if m.parser == nil {
		m.parser = line.NewParser(false, nil)
	}
	if m.baud == 0 {
		m.baud = DefaultBaud
	}
	if m.readTimeout == 0 {
		m.readTimeout = DefaultReadTimeout
	}
	if m.errorStreak <= 0 {
		m.errorStreak = DefaultErrorStreak
	}
	if m.backoff == nil {
		m.backoff = &helpers.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, K: 2}
	}
	if m.sleep == nil {
		m.sleep = helpers.Sleep
	}
	m.backoff.Reset()
	return m, nil
}

func (m *Machine) State() State { return State(atomic.LoadInt32(&m.state)) }

// Failures returns failed attempts since last successful open
// and time since the most recent one, zero if there was none.
func (m *Machine) Failures() (int, time.Duration) {
	return m.backoff.Failures(), m.backoff.SinceFailure()
}

func (m *Machine) setState(s State) {
	atomic.StoreInt32(&m.state, int32(s))
	if m.onState != nil {
		m.onState(s)
	}
}

// Run loops until stopch is closed. Stop is checked between reads,
// so exit latency is bounded by read timeout.
func (m *Machine) Run(stopch <-chan struct{}) {
	m.log.Debugf("start")
	defer m.log.Debugf("stop")
	for {
		select {
		case <-stopch:
			return
		default:
		}

		id, ok := m.discoverer.Discover()
		if !ok {
			m.log.Debugf("no device found")
			if !m.retryWait(stopch) {
				return
			}
			continue
		}

		ch, err := m.opener.Open(id, m.baud, m.readTimeout)
		if err != nil {
			m.log.Errorf("open id=%s err=%v", id, err)
			if !m.retryWait(stopch) {
				return
			}
			continue
		}

		m.backoff.Reset()
		m.setState(Connected)
		m.log.Infof("connected id=%s baud=%d", id, m.baud)
		m.sink.Enqueue(tele.System{Message: "device connected: " + id})

		err = m.readLoop(ch, stopch)
		if cerr := ch.Close(); cerr != nil && errors.Cause(cerr) != ErrClosed {
			m.log.Debugf("close id=%s err=%v", id, cerr)
		}
		m.setState(Disconnected)
		if err != nil {
			m.log.Errorf("disconnected id=%s err=%v", id, err)
		} else {
			m.log.Infof("disconnected id=%s", id)
		}
		m.sink.Enqueue(tele.System{Message: "device disconnected: " + id})

		// device may reappear in a moment, wait floor delay without escalating
		if !m.sleep(m.backoff.Current(), stopch) {
			return
		}
	}
}

func (m *Machine) retryWait(stopch <-chan struct{}) bool {
	d := m.backoff.Failure()
	m.log.Debugf("retry n=%d delay=%v", m.backoff.Failures(), d)
	return m.sleep(d, stopch)
}

// readLoop returns nil on stop, error on connection loss.
func (m *Machine) readLoop(ch Channel, stopch <-chan struct{}) error {
	streak := 0
	for {
		select {
		case <-stopch:
			return nil
		default:
		}

		s, err := ch.ReadLine()
		switch {
		case err == nil:
			streak = 0
			if ms := m.parser.Messages(s); len(ms) != 0 {
				m.sink.Enqueue(ms...)
			}

		case IsTimeout(err):
			streak = 0

		case errors.Cause(err) == ErrDecode:
			m.log.Debugf("skip line err=%v", err)

		case errors.Cause(err) == ErrClosed || errors.Cause(err) == io.EOF:
			return errors.Annotate(err, "read")

		default:
			streak++
			m.log.Errorf("read streak=%d err=%v", streak, err)
			if streak >= m.errorStreak {
				return errors.Annotatef(err, "read error streak=%d", streak)
			}
		}
	}
}
