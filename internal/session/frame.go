package session

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ElevenGiants/eleven-server-sub000/internal/eserr"
)

// frameHeaderSize is the 4-byte big-endian payload length prefix.
const frameHeaderSize = 4

type deframerState int

const (
	needLen deframerState = iota
	needBody
)

// Deframer reassembles length-prefixed frames from an arbitrarily
// chunked byte stream. Partial header and body bytes are preserved
// across Feed calls, so any split of the stream yields the same frame
// sequence.
type Deframer struct {
	maxSize int

	state deframerState
	buf   []byte
	want  int
}

func NewDeframer(maxSize int) *Deframer {
	return &Deframer{maxSize: maxSize, state: needLen, want: frameHeaderSize}
}

// Feed appends a chunk and returns every frame completed by it. An
// oversize length prefix yields a single ProtocolError; the stream is
// unusable afterwards.
func (d *Deframer) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for len(d.buf) >= d.want {
		switch d.state {
		case needLen:
			n := int(binary.BigEndian.Uint32(d.buf[:frameHeaderSize]))
			if d.maxSize > 0 && n > d.maxSize {
				return frames, &eserr.ProtocolError{
					Reason: fmt.Sprintf("frame of %d bytes exceeds limit %d", n, d.maxSize),
				}
			}
			d.buf = d.buf[frameHeaderSize:]
			d.state = needBody
			d.want = n
		case needBody:
			frame := make([]byte, d.want)
			copy(frame, d.buf[:d.want])
			d.buf = d.buf[d.want:]
			frames = append(frames, frame)
			d.state = needLen
			d.want = frameHeaderSize
		}
	}
	return frames, nil
}

// WriteFrame frames and writes one payload.
func WriteFrame(w io.Writer, payload []byte, maxSize int) error {
	if maxSize > 0 && len(payload) > maxSize {
		return fmt.Errorf("outbound frame of %d bytes exceeds limit %d", len(payload), maxSize)
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
