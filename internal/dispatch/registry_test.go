package dispatch

import (
	"errors"
	"fmt"
	"testing"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(t string) *protocol.Frame {
	return &protocol.Frame{Type: t}
}

func TestRegistry_ExactTypeAndWildcard(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	var gotA, gotAll []string
	r.Subscribe("A", func(f *protocol.Frame) { gotA = append(gotA, f.Type) })
	r.Subscribe(Wildcard, func(f *protocol.Frame) { gotAll = append(gotAll, f.Type) })

	r.Dispatch(frame("A"))
	r.Dispatch(frame("B"))

	assert.Equal(t, []string{"A"}, gotA, "handler on A must not fire for B")
	assert.Equal(t, []string{"A", "B"}, gotAll)
}

func TestRegistry_UnsubscribeRemovesOnlyThatRegistration(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	calls := map[string]int{}
	h := func(name string) Handler {
		return func(*protocol.Frame) { calls[name]++ }
	}

	unsubFirst := r.Subscribe("A", h("first"))
	r.Subscribe("A", h("second"))
	require.Equal(t, 2, r.Count("A"))

	unsubFirst()
	unsubFirst()
	r.Dispatch(frame("A"))

	assert.Equal(t, 0, calls["first"])
	assert.Equal(t, 1, calls["second"])
	assert.Equal(t, 1, r.Count("A"))
}

func TestRegistry_SameFunctionTwiceIsTwoRegistrations(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	n := 0
	h := func(*protocol.Frame) { n++ }
	unsub := r.Subscribe("A", h)
	r.Subscribe("A", h)

	unsub()
	r.Dispatch(frame("A"))
	assert.Equal(t, 1, n)
}

func TestRegistry_PanickingHandlerIsIsolated(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	var order []string
	r.Subscribe("A", func(*protocol.Frame) { order = append(order, "before") })
	r.Subscribe("A", func(*protocol.Frame) { panic("boom") })
	r.Subscribe("A", func(*protocol.Frame) { order = append(order, "after") })
	r.Subscribe(Wildcard, func(*protocol.Frame) { order = append(order, "wildcard") })

	errs := r.Dispatch(frame("A"))

	assert.Equal(t, []string{"before", "after", "wildcard"}, order)
	require.Len(t, errs, 1)
	var herr *HandlerError
	require.True(t, errors.As(errs[0], &herr))
	assert.Equal(t, "A", herr.EventType)
	assert.Equal(t, "boom", herr.Value)
}

func TestRegistry_MutationDuringDispatchUsesSnapshot(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	lateCalls := 0
	var unsubSecond func()
	r.Subscribe("A", func(*protocol.Frame) {
		unsubSecond()
		r.Subscribe("A", func(*protocol.Frame) { lateCalls++ })
	})
	secondCalls := 0
	unsubSecond = r.Subscribe("A", func(*protocol.Frame) { secondCalls++ })

	r.Dispatch(frame("A"))

	// The snapshot taken before dispatch still includes the second handler and
	// excludes the one added mid-dispatch.
	assert.Equal(t, 1, secondCalls)
	assert.Equal(t, 0, lateCalls)

	r.Dispatch(frame("A"))
	assert.Equal(t, 1, secondCalls)
	assert.GreaterOrEqual(t, lateCalls, 1)
}

func TestRegistry_NoHandlers(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	assert.Empty(t, r.Dispatch(frame("nobody")))
	assert.Equal(t, 0, r.Count("nobody"))
}

func TestListeners_NotifyInOrder(t *testing.T) {
	var l Listeners[int]
	var got []int
	l.Add(func(v int) { got = append(got, v) })
	remove := l.Add(func(v int) { got = append(got, v*10) })

	l.Notify(1)
	remove()
	l.Notify(2)

	assert.Equal(t, []int{1, 10, 2}, got)
}

func TestRegistry_UnsubscribeForgetsEmptyTypes(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	var unsubs []func()
	for i := 0; i < 100; i++ {
		unsubs = append(unsubs, r.Subscribe(fmt.Sprintf("job-%d", i), func(*protocol.Frame) {}))
	}
	keep := r.Subscribe(Wildcard, func(*protocol.Frame) {})
	require.Equal(t, 101, r.Types())

	for _, unsub := range unsubs {
		unsub()
	}
	assert.Equal(t, 1, r.Types(), "only the wildcard is left")
	assert.Equal(t, 0, r.Count("job-7"))

	// A type can be subscribed again after it was forgotten.
	n := 0
	r.Subscribe("job-7", func(*protocol.Frame) { n++ })
	r.Dispatch(frame("job-7"))
	assert.Equal(t, 1, n)

	keep()
	assert.Equal(t, 1, r.Types())
}
