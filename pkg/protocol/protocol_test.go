package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadeem-park/revtun/pkg/tunnelerr"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Send(&buf, f))

	r := NewReceiver()
	got, err := r.Recv(&buf)
	require.NoError(t, err)
	return got
}

func TestRoundTripAllVariants(t *testing.T) {
	key := [KeySize]byte{1, 2, 3}

	cases := []Frame{
		Register{Hosts: []string{"a.example", "b.example"}},
		Register{Hosts: []string{}},
		Ok{},
		Reject{},
		Request{Key: key, Host: "a.example"},
		Response{Key: key},
		Ping{},
		Pong{},
	}

	for _, c := range cases {
		got := roundTrip(t, c)
		assert.Equal(t, c, got)
	}
}

// oneByteAtATime wraps a reader so each Read returns at most one byte,
// forcing the Receiver's state machine through every intermediate state.
type oneByteAtATime struct {
	r io.Reader
}

func (o oneByteAtATime) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestReceiverResumesAcrossPartialReads(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Key: [KeySize]byte{9, 9, 9}, Host: "a.example"}
	require.NoError(t, Send(&buf, req))

	r := NewReceiver()
	src := oneByteAtATime{r: &buf}
	got, err := r.Recv(src)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

// stepReader returns at most step bytes (or fewer, at EOF) per call, so
// Recv has to carry partial progress across many short reads.
type stepReader struct {
	data []byte
	pos  int
	step int
}

func (s *stepReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := s.step
	if n > len(p) {
		n = len(p)
	}
	if s.pos+n > len(s.data) {
		n = len(s.data) - s.pos
	}
	copy(p, s.data[s.pos:s.pos+n])
	s.pos += n
	return n, nil
}

func TestReceiverResumptionIsByteExact(t *testing.T) {
	var buf bytes.Buffer
	req := Request{Key: [KeySize]byte{1, 2, 3, 4}, Host: "example.com"}
	require.NoError(t, Send(&buf, req))

	sr := &stepReader{data: buf.Bytes(), step: 3}
	r := NewReceiver()

	// Each internal Read only returns up to 3 bytes, but Recv loops
	// internally until it either completes a
	// frame or hits EOF, so a single call here suffices to validate
	// that partial internal progress doesn't corrupt the result.
	got, err := r.Recv(sr)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestRecvCleanEOFAtBoundary(t *testing.T) {
	r := NewReceiver()
	got, err := r.Recv(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecvMidFrameEOFIsUnexpected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Send(&buf, Ping{}))
	truncated := buf.Bytes()[:1] // only one byte of the 2-byte length prefix

	r := NewReceiver()
	_, err := r.Recv(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, tunnelerr.ErrUnexpectedEOF)
}

func TestRecvMidPayloadEOFIsUnexpected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Send(&buf, Request{Key: [KeySize]byte{1}, Host: "a.example"}))
	truncated := buf.Bytes()[:3] // length prefix plus one byte of payload

	r := NewReceiver()
	_, err := r.Recv(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, tunnelerr.ErrUnexpectedEOF)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	_, err := Decode([]byte{99})
	assert.Error(t, err)
	assert.Equal(t, tunnelerr.KindCodec, tunnelerr.KindOf(err))
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	payload, err := Encode(Ping{})
	require.NoError(t, err)
	payload = append(payload, 0xFF)
	_, err = Decode(payload)
	assert.Error(t, err)
}
