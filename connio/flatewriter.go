package connio

import (
	"compress/flate"
)

// FlateWriter wraps a flate.Writer and ensures no Write/Flush/Close calls are
// made again on the underlying flate writer once a panic has come out of it
// (e.g. raised by the destination writer). After a panic "through" a
// flate.Writer its internal state is inconsistent and further calls could
// panic again with out-of-bounds slice accesses; we'd rather re-panic the
// original error than a confusing secondary one.
type FlateWriter struct {
	w     *flate.Writer
	panic any
}

// NewFlateWriter wraps w.
func NewFlateWriter(w *flate.Writer) *FlateWriter {
	return &FlateWriter{w, nil}
}

func (w *FlateWriter) checkBroken() func() {
	if w.panic != nil {
		panic(w.panic)
	}
	return func() {
		x := recover()
		if x == nil {
			return
		}
		w.panic = x
		panic(x)
	}
}

func (w *FlateWriter) Write(data []byte) (int, error) {
	defer w.checkBroken()()
	return w.w.Write(data)
}

func (w *FlateWriter) Flush() error {
	defer w.checkBroken()()
	return w.w.Flush()
}

func (w *FlateWriter) Close() error {
	defer w.checkBroken()()
	return w.w.Close()
}
