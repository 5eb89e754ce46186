package helpers

import (
	"expvar"
	"io"
)

// StatReader adds every byte read to counter.
type StatReader struct {
	R io.Reader
	V *expvar.Int
}

var _ io.Reader = &StatReader{}

func NewStatReader(r io.Reader, counter *expvar.Int) io.Reader {
	return &StatReader{R: r, V: counter}
}

func (sr *StatReader) Read(p []byte) (n int, err error) {
	n, err = sr.R.Read(p)
	if n > 0 {
		sr.V.Add(int64(n))
	}
	return
}
