package pollchat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequence_AdmitsInIssueOrder(t *testing.T) {
	var s sequence
	first := s.issue()
	second := s.issue()

	assert.True(t, s.admit(second), "newer response applies")
	assert.False(t, s.admit(first), "older response resolving later is dropped")
}

func TestSequence_InOrderResolution(t *testing.T) {
	var s sequence
	first := s.issue()
	second := s.issue()

	assert.True(t, s.admit(first))
	assert.True(t, s.admit(second))
	assert.False(t, s.admit(second), "a ticket applies at most once")
}

func TestSequence_Invalidate(t *testing.T) {
	var s sequence
	inflight := s.issue()
	s.invalidate()
	assert.False(t, s.admit(inflight))

	next := s.issue()
	assert.True(t, s.admit(next))
	assert.Equal(t, next, s.last())
}
