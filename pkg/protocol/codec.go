package protocol

import (
	"encoding/binary"
	"io"

	"github.com/kadeem-park/revtun/pkg/tunnelerr"
)

// Send encodes f and writes u16be(len) ∥ payload as a single Write call.
// Send is not safe against cancellation mid-write and must not be raced
// with another Send on the same stream: a caller that abandons a Send
// (e.g. by timing out the surrounding context) may leave the stream with
// a partially written frame, corrupting the connection for any future
// reader. Callers that need a deadline should apply it to the whole
// connection before calling Send, not cancel Send itself.
func Send(w io.Writer, f Frame) error {
	payload, err := Encode(f)
	if err != nil {
		return err
	}

	out := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(payload)))
	copy(out[2:], payload)

	if _, err := w.Write(out); err != nil {
		return tunnelerr.NewIO("send", err)
	}
	return nil
}

// readState names the two phases of Receiver's resumable state machine.
type readState int

const (
	stateReadLen readState = iota
	stateReadPayload
)

// Receiver reads frames off a byte stream. Unlike Send, Receiver.Recv is
// safe to abandon mid-read (for example because the surrounding context
// was cancelled, or a net.Conn read deadline expired): the next call to
// Recv on the same Receiver resumes exactly where the previous one left
// off, byte for byte, rather than dropping or duplicating partial reads.
// A Receiver must not be shared across concurrent callers.
type Receiver struct {
	state   readState
	lenBuf  [2]byte
	lenRead int

	payload []byte
	want    int
	read    int
}

// NewReceiver returns a Receiver positioned at the start of a frame.
func NewReceiver() *Receiver {
	return &Receiver{state: stateReadLen}
}

// Recv returns the next frame, or (nil, nil) at a clean end-of-stream
// (zero bytes of the next length prefix read). A stream that closes
// mid-frame (after some but not all of the length prefix, or after some
// but not all of the payload) yields tunnelerr.ErrUnexpectedEOF.
func (r *Receiver) Recv(rd io.Reader) (Frame, error) {
	for {
		switch r.state {
		case stateReadLen:
			n, err := rd.Read(r.lenBuf[r.lenRead:2])
			r.lenRead += n
			if err != nil {
				if err == io.EOF {
					if r.lenRead == 0 {
						return nil, nil
					}
					return nil, tunnelerr.ErrUnexpectedEOF
				}
				return nil, tunnelerr.NewIO("recv", err)
			}
			if r.lenRead == 0 && n == 0 {
				// Zero-byte, no-error read: treat as no progress, try again.
				continue
			}
			if r.lenRead < 2 {
				continue
			}
			length := binary.BigEndian.Uint16(r.lenBuf[:])
			if length == 0 {
				return nil, tunnelerr.NewCodec("zero-length frame", nil)
			}
			r.payload = make([]byte, length)
			r.want = int(length)
			r.read = 0
			r.state = stateReadPayload

		case stateReadPayload:
			n, err := rd.Read(r.payload[r.read:r.want])
			r.read += n
			if err != nil {
				if err == io.EOF {
					return nil, tunnelerr.ErrUnexpectedEOF
				}
				return nil, tunnelerr.NewIO("recv", err)
			}
			if r.read < r.want {
				continue
			}
			frame, err := Decode(r.payload)
			r.reset()
			if err != nil {
				return nil, err
			}
			return frame, nil
		}
	}
}

func (r *Receiver) reset() {
	r.state = stateReadLen
	r.lenRead = 0
	r.payload = nil
	r.want = 0
	r.read = 0
}
