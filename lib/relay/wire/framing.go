package wire

import (
	"encoding/binary"
	"io"

	"github.com/samber/oops"
)

// MaxFrameLen bounds the payload of a single frame. Anything larger is a
// protocol violation and the endpoint gets closed.
const MaxFrameLen = 1024

// headerLen is the 2-byte big-endian payload length preceding every frame.
const headerLen = 2

// Frame wraps a payload with the 2-byte big-endian length prefix.
func Frame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLen {
		return nil, oops.Errorf("payload of %d bytes exceeds frame limit %d", len(payload), MaxFrameLen)
	}
	framed := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint16(framed, uint16(len(payload)))
	copy(framed[headerLen:], payload)
	return framed, nil
}

// WriteFrame frames payload and writes it to w in one call.
func WriteFrame(w io.Writer, payload []byte) error {
	framed, err := Frame(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(framed); err != nil {
		return oops.Errorf("writing frame: %w", err)
	}
	return nil
}

// FrameReader reassembles length-prefixed frames from a byte stream that
// arrives in arbitrary chunks. One FrameReader is kept per endpoint so that
// a partial frame survives between readiness wakeups.
type FrameReader struct {
	buf []byte
}

// Feed appends data read from the endpoint and returns every complete frame
// payload now available, in arrival order. Remaining partial bytes are
// retained for the next call. A declared length above MaxFrameLen poisons
// the stream and returns an error.
func (fr *FrameReader) Feed(data []byte) ([][]byte, error) {
	fr.buf = append(fr.buf, data...)

	var frames [][]byte
	for {
		if len(fr.buf) < headerLen {
			return frames, nil
		}
		need := int(binary.BigEndian.Uint16(fr.buf))
		if need > MaxFrameLen {
			return frames, oops.Errorf("declared frame length %d exceeds limit %d", need, MaxFrameLen)
		}
		if len(fr.buf) < headerLen+need {
			return frames, nil
		}
		payload := make([]byte, need)
		copy(payload, fr.buf[headerLen:headerLen+need])
		fr.buf = fr.buf[headerLen+need:]
		frames = append(frames, payload)
	}
}

// Pending reports how many buffered bytes await the rest of a frame.
func (fr *FrameReader) Pending() int {
	return len(fr.buf)
}

// Reset drops any partial frame, for endpoint reuse.
func (fr *FrameReader) Reset() {
	fr.buf = nil
}
