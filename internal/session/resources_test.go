package session

import (
	"testing"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/polling"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func recordChanges(s *ResourceSet) *[]Change {
	var changes []Change
	s.OnChange(func(c Change) { changes = append(changes, c) })
	return &changes
}

func TestResourceSet_TrackApplyUntrack(t *testing.T) {
	s := NewResourceSet(zerolog.Nop(), false)
	changes := recordChanges(s)

	s.Track("a", "processing")
	s.Track("b", "uploaded")
	s.Track("a", "processing") // unchanged, no event

	assert.False(t, s.Apply("unknown", "completed"), "unknown ids are ignored")
	assert.False(t, s.Apply("a", "processing"))
	assert.True(t, s.Apply("a", "completed"))

	status, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "completed", status)

	s.Untrack("b")
	s.Untrack("b")

	assert.Equal(t, []polling.Resource{{ID: "a", Status: "completed"}}, s.Resources())
	assert.Equal(t, []Change{
		{ID: "a", Status: "processing"},
		{ID: "b", Status: "uploaded"},
		{ID: "a", Previous: "processing", Status: "completed"},
		{ID: "b", Previous: "uploaded"},
	}, *changes)
}

func TestResourceSet_TrackAll(t *testing.T) {
	s := NewResourceSet(zerolog.Nop(), true)

	assert.True(t, s.Apply("new", "processing"))
	assert.Equal(t, []polling.Resource{{ID: "new", Status: "processing"}}, s.Resources())
}

func TestResourceSet_ApplySnapshot(t *testing.T) {
	s := NewResourceSet(zerolog.Nop(), false)
	s.Track("a", "processing")
	s.Track("b", "processing")
	s.Track("c", "completed")
	changes := recordChanges(s)

	n := s.ApplySnapshot([]polling.Resource{
		{ID: "a", Status: "completed"},
		{ID: "c", Status: "completed"},
		{ID: "other", Status: "processing"},
	})

	assert.Equal(t, 2, n)
	assert.Equal(t, []polling.Resource{
		{ID: "a", Status: "completed"},
		{ID: "c", Status: "completed"},
	}, s.Resources(), "b vanished from the server and is dropped")
	assert.Equal(t, []Change{
		{ID: "a", Previous: "processing", Status: "completed"},
		{ID: "b", Previous: "processing"},
	}, *changes)
}

func TestResourceSet_LastWriteWins(t *testing.T) {
	s := NewResourceSet(zerolog.Nop(), false)
	s.Track("a", "processing")

	// A push reports completion, then a slower poll still says processing.
	s.Apply("a", "completed")
	s.ApplySnapshot([]polling.Resource{{ID: "a", Status: "processing"}})

	status, _ := s.Get("a")
	assert.Equal(t, "processing", status)
}

func TestResourceSet_ListenerPanicIsolated(t *testing.T) {
	s := NewResourceSet(zerolog.Nop(), false)
	s.OnChange(func(Change) { panic("boom") })
	changes := recordChanges(s)

	assert.NotPanics(t, func() { s.Track("a", "processing") })
	assert.Len(t, *changes, 1)
}
