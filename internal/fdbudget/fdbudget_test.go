package fdbudget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ustd/sessiond/internal/usterrors"
)

func TestReserveWithinLimit(t *testing.T) {
	b := New(map[Class]int64{ClassApps: 10})
	require.NoError(t, b.Reserve(ClassApps, 4))
	assert.EqualValues(t, 4, b.InUse(ClassApps))
}

func TestReserveExhausted(t *testing.T) {
	b := New(map[Class]int64{ClassApps: 4})
	require.NoError(t, b.Reserve(ClassApps, 4))
	err := b.Reserve(ClassApps, 1)
	require.ErrorIs(t, err, usterrors.ErrFDBudgetExhausted)
	// a failed reservation accounts nothing
	assert.EqualValues(t, 4, b.InUse(ClassApps))
}

func TestReleaseClampsAtZero(t *testing.T) {
	b := New(map[Class]int64{ClassApps: 10})
	require.NoError(t, b.Reserve(ClassApps, 2))
	b.Release(ClassApps, 5)
	assert.EqualValues(t, 0, b.InUse(ClassApps))
}

func TestUnboundedClassNeverExhausts(t *testing.T) {
	b := New(nil)
	require.NoError(t, b.Reserve(Class("other"), 1<<30))
}
