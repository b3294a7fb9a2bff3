package link

import (
	"bytes"
	"io"
	"strings"
	"time"
)

// maxFrameLength caps a frame. Longer garbage without a terminator is
// discarded so line noise cannot grow the buffer without bound.
const maxFrameLength = 256

// frameReader splits a byte stream into ';'-terminated frames.
//
// The underlying reader is expected to honour a read timeout and return
// (0, nil) when it expires, as serial ports do. Partial frames are kept
// between calls.
type frameReader struct {
	r     io.Reader
	buf   []byte
	chunk [64]byte
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r}
}

// readFrame performs at most one Read and returns a complete frame if one
// is available afterwards.
func (f *frameReader) readFrame() (string, bool, error) {
	if frame, ok := f.take(); ok {
		return frame, true, nil
	}

	n, err := f.r.Read(f.chunk[:])
	if n > 0 {
		f.buf = append(f.buf, f.chunk[:n]...)
	}
	if err != nil {
		return "", false, err
	}

	frame, ok := f.take()
	return frame, ok, nil
}

// readUntil reads until a frame completes or the deadline passes.
func (f *frameReader) readUntil(deadline time.Time) (string, bool, error) {
	for {
		frame, ok, err := f.readFrame()
		if ok || err != nil {
			return frame, ok, err
		}
		if !time.Now().Before(deadline) {
			return "", false, nil
		}
	}
}

// take pops the next non-empty frame from the buffer.
func (f *frameReader) take() (string, bool) {
	for {
		i := bytes.IndexByte(f.buf, Terminator)
		if i < 0 {
			if len(f.buf) > maxFrameLength {
				f.buf = f.buf[:0]
			}
			return "", false
		}

		frame := strings.TrimSpace(string(f.buf[:i]))
		f.buf = append(f.buf[:0], f.buf[i+1:]...)
		if frame != "" {
			return frame, true
		}
	}
}

// reset drops any partial frame.
func (f *frameReader) reset() {
	f.buf = f.buf[:0]
}
