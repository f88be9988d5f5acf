package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitToUnknownSessionIsNoop(t *testing.T) {
	r := NewRegistry()
	err := r.Emit(New(), "calendar_response", map[string]string{"status": "ok"})
	assert.NoError(t, err, "emitting to a disconnected/unknown session must not error (spec.md §5 cancellation)")
}

func TestRegistryAddRemoveTracksLen(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Len())

	id := New()
	r.Add(id, nil)
	assert.Equal(t, 1, r.Len())

	r.Remove(id)
	assert.Equal(t, 0, r.Len())
}

func TestNewProducesDistinctIDs(t *testing.T) {
	a, b := New(), New()
	assert.NotEqual(t, a, b)
}
