package device

import (
	"bytes"
	"io"
	"time"
	"unicode/utf8"

	"github.com/juju/errors"
	"github.com/temoto/telerelay/helpers"
	"github.com/temoto/telerelay/log2"
	"go.bug.st/serial"
)

const DefaultMaxLine = 4096

// SerialOpener opens serial ports as 8N1 line channels.
type SerialOpener struct {
	Log     *log2.Log
	MaxLine int
	// BytesRead is optional counter of raw bytes received.
	BytesRead helpers.Counter
}

func (o *SerialOpener) Open(path string, baud int, readTimeout time.Duration) (Channel, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, annotateOpenError(err, path)
	}
	if err = port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, errors.Annotatef(err, "serial set read timeout path=%s", path)
	}
	// stale bytes from before open would produce half line
	if err = port.ResetInputBuffer(); err != nil {
		o.Log.Debugf("serial reset input path=%s err=%v", path, err)
	}
	return newLineChannel(helpers.NewStatReadCloser(port, o.BytesRead), o.MaxLine, readTimeout), nil
}

func annotateOpenError(err error, path string) error {
	pe, ok := err.(*serial.PortError)
	if !ok {
		return errors.Annotatef(err, "serial open path=%s", path)
	}
	switch pe.Code() {
	case serial.PortNotFound:
		return errors.NewNotFound(err, "serial open path="+path)
	case serial.PortBusy:
		return errors.Annotatef(err, "serial open path=%s busy", path)
	case serial.PermissionDenied:
		return errors.NewUnauthorized(err, "serial open path="+path)
	}
	return errors.Annotatef(err, "serial open path=%s", path)
}

// lineChannel assembles lines from raw reads, keeping partial line across timeouts.
type lineChannel struct {
	rc      io.ReadCloser
	buf     []byte
	chunk   []byte
	max     int
	timeout time.Duration
	skip    bool // discarding tail of overlong line
	now     func() time.Time
}

func newLineChannel(rc io.ReadCloser, max int, timeout time.Duration) *lineChannel {
	if max <= 0 {
		max = DefaultMaxLine
	}
	return &lineChannel{
		rc:      rc,
		buf:     make([]byte, 0, 256),
		chunk:   make([]byte, 256),
		max:     max,
		timeout: timeout,
		now:     time.Now,
	}
}

func (c *lineChannel) Close() error { return c.rc.Close() }

func (c *lineChannel) ReadLine() (string, error) {
	for {
		if i := bytes.IndexByte(c.buf, '\n'); i >= 0 {
			b := bytes.TrimRight(c.buf[:i], "\r")
			skip := c.skip
			c.skip = false
			s, valid := string(b), utf8.Valid(b)
			c.consume(i + 1)
			if skip {
				continue
			}
			if len(s) > c.max {
				return "", errors.Annotatef(ErrDecode, "line length=%d max=%d", len(s), c.max)
			}
			if !valid {
				return "", errors.Annotatef(ErrDecode, "invalid utf-8 line=%q", s)
			}
			return s, nil
		}
		if len(c.buf) > c.max {
			n := len(c.buf)
			c.buf = c.buf[:0]
			if c.skip {
				continue
			}
			c.skip = true
			return "", errors.Annotatef(ErrDecode, "line length>%d max=%d", n, c.max)
		}

		begin := c.now()
		n, err := c.rc.Read(c.chunk)
		if n > 0 {
			c.buf = append(c.buf, c.chunk[:n]...)
		}
		if err != nil {
			if pe, ok := err.(*serial.PortError); ok && pe.Code() == serial.PortClosed {
				return "", errors.Trace(ErrClosed)
			}
			return "", errors.Trace(err)
		}
		if n == 0 {
			// Read returns 0 after timeout. Immediate empty read means hangup, unplugged USB.
			if c.timeout > 0 && c.now().Sub(begin) < c.timeout/2 {
				return "", errors.New("empty read without timeout, hangup")
			}
			return "", ErrTimeout
		}
	}
}

func (c *lineChannel) consume(n int) {
	rest := copy(c.buf, c.buf[n:])
	c.buf = c.buf[:rest]
}
