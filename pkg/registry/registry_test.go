package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadeem-park/revtun/pkg/tunnelerr"
)

func TestAddThenGetThenRemove(t *testing.T) {
	r := New()
	consumer, err := r.Add([]string{"a.example", "b.example"})
	require.NoError(t, err)

	assert.True(t, r.Exists([]string{"a.example"}))
	assert.True(t, r.Exists([]string{"zzz", "b.example"}))
	assert.False(t, r.Exists([]string{"zzz"}))

	p, ok := r.Get("a.example")
	require.True(t, ok)
	p.Send(ForwardRequest{Host: "a.example"})

	select {
	case req := <-consumer.C():
		assert.Equal(t, "a.example", req.Host)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forward request")
	}

	r.Remove([]string{"a.example", "b.example"})
	assert.False(t, r.Exists([]string{"a.example", "b.example"}))
	_, ok = r.Get("a.example")
	assert.False(t, ok)
}

func TestOverlappingRegisterIsRejectedAtomically(t *testing.T) {
	r := New()
	_, err := r.Add([]string{"x"})
	require.NoError(t, err)

	_, err = r.Add([]string{"x", "y"})
	require.Error(t, err)
	assert.Equal(t, tunnelerr.KindRegisterConflict, tunnelerr.KindOf(err))

	// The failed Add must not have inserted "y" as a side effect.
	assert.False(t, r.Exists([]string{"y"}))
	assert.True(t, r.Exists([]string{"x"}))
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	_, err := r.Add([]string{"x"})
	require.NoError(t, err)

	r.Remove([]string{"x"})
	assert.NotPanics(t, func() { r.Remove([]string{"x"}) })
}

func TestReRegisterAfterRemoveSucceeds(t *testing.T) {
	r := New()
	_, err := r.Add([]string{"x", "y"})
	require.NoError(t, err)
	r.Remove([]string{"x", "y"})

	_, err = r.Add([]string{"y"})
	assert.NoError(t, err)
}

func TestFIFOOrderWithinOneHost(t *testing.T) {
	r := New()
	consumer, err := r.Add([]string{"a"})
	require.NoError(t, err)
	p, _ := r.Get("a")

	for i := 0; i < 50; i++ {
		p.Send(ForwardRequest{Host: "a", Key: [16]byte{byte(i)}})
	}

	for i := 0; i < 50; i++ {
		select {
		case req := <-consumer.C():
			assert.Equal(t, byte(i), req.Key[0])
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for forward request")
		}
	}
}

func TestEmptyRegisterInsertsNothing(t *testing.T) {
	r := New()
	_, err := r.Add([]string{})
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestRemoveUnblocksPumpWithBufferedRequests(t *testing.T) {
	r := New()
	consumer, err := r.Add([]string{"stranded"})
	require.NoError(t, err)

	p, ok := r.Get("stranded")
	require.True(t, ok)
	p.Send(ForwardRequest{Host: "stranded"})

	// Remove before anything ever reads consumer.C(); the pump goroutine
	// must still exit instead of blocking forever trying to hand off the
	// buffered request.
	r.Remove([]string{"stranded"})

	select {
	case _, ok := <-consumer.C():
		assert.False(t, ok, "out should close once the queue is removed, even with a request still buffered")
	case <-time.After(time.Second):
		t.Fatal("pump goroutine leaked: out never closed")
	}
}
