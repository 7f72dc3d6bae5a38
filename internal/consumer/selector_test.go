package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectorUnconfiguredBitnessUnavailable(t *testing.T) {
	s := NewSelector()
	assert.False(t, s.Available(64))
	_, ok := s.ClientFor(64)
	assert.False(t, ok)
}

func TestSelectorResolvesConfiguredBitness(t *testing.T) {
	s := NewSelector()
	fake := NewFakeClient()
	s.SetClient(64, fake)

	assert.True(t, s.Available(64))
	assert.False(t, s.Available(32))
	c, ok := s.ClientFor(64)
	assert.True(t, ok)
	assert.Same(t, fake, c)
}

func TestSelectorUnknownBitnessNeverAvailable(t *testing.T) {
	s := NewSelector()
	s.SetClient(16, NewFakeClient())
	assert.False(t, s.Available(16))
}
