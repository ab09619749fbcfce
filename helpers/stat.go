package helpers

import (
	"io"
)

// Counter is satisfied by prometheus.Counter.
type Counter interface {
	Add(float64)
}

// StatReadCloser counts bytes read into V.
type StatReadCloser struct {
	R io.ReadCloser
	V Counter
}

var _ io.ReadCloser = &StatReadCloser{}

// NewStatReadCloser returns r unchanged when v is nil.
func NewStatReadCloser(r io.ReadCloser, v Counter) io.ReadCloser {
	if v == nil {
		return r
	}
	return &StatReadCloser{R: r, V: v}
}

func (sr *StatReadCloser) Read(p []byte) (n int, err error) {
	n, err = sr.R.Read(p)
	if n > 0 {
		sr.V.Add(float64(n))
	}
	return
}

func (sr *StatReadCloser) Close() error { return sr.R.Close() }
