package registry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ustd/sessiond/internal/fdbudget"
	"github.com/ustd/sessiond/internal/shadow"
	"github.com/ustd/sessiond/internal/usterrors"
)

func allBitnessesOK(int32) bool { return true }

func newTestRegistry() (*Registry, *fdbudget.Budget) {
	fds := fdbudget.New(map[fdbudget.Class]int64{fdbudget.ClassApps: 100})
	return New(2, allBitnessesOK, fds), fds
}

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestRegisterInstallsBothIndexes(t *testing.T) {
	r, _ := newTestRegistry()
	_, daemonSide := pipePair(t)

	app, err := r.Register(RegisterMessage{Name: "app", Pid: 100, Bitness: 64, ProtocolMajor: 2}, daemonSide)
	require.NoError(t, err)
	assert.False(t, app.Compatible)

	got, ok := r.PinByPid(100)
	require.True(t, ok)
	r.Unpin(got)
	assert.Same(t, app, got)

	got2, ok := r.PinBySock(daemonSide)
	require.True(t, ok)
	r.Unpin(got2)
	assert.Same(t, app, got2)
}

func TestRegisterRejectsUnsupportedBitnessAndReleasesFD(t *testing.T) {
	fds := fdbudget.New(map[fdbudget.Class]int64{fdbudget.ClassApps: 10})
	r := New(2, func(int32) bool { return false }, fds)
	_, daemonSide := pipePair(t)

	_, err := r.Register(RegisterMessage{Name: "app", Pid: 1, Bitness: 32, ProtocolMajor: 2}, daemonSide)
	require.ErrorIs(t, err, usterrors.ErrInvalidArgument)
	assert.EqualValues(t, 0, fds.InUse(fdbudget.ClassApps))

	_, ok := r.PinByPid(1)
	assert.False(t, ok)
}

func TestRegisterRejectsProtocolMismatch(t *testing.T) {
	fds := fdbudget.New(map[fdbudget.Class]int64{fdbudget.ClassApps: 10})
	r := New(2, allBitnessesOK, fds)
	_, daemonSide := pipePair(t)

	_, err := r.Register(RegisterMessage{Name: "app", Pid: 1, Bitness: 64, ProtocolMajor: 1}, daemonSide)
	require.ErrorIs(t, err, usterrors.ErrInvalidArgument)
	assert.EqualValues(t, 0, fds.InUse(fdbudget.ClassApps))
}

func TestRegisterReservesOneFDAndFailsWhenBudgetExhausted(t *testing.T) {
	fds := fdbudget.New(map[fdbudget.Class]int64{fdbudget.ClassApps: 1})
	r := New(2, allBitnessesOK, fds)
	_, firstSock := pipePair(t)
	_, secondSock := pipePair(t)

	_, err := r.Register(RegisterMessage{Name: "a", Pid: 1, Bitness: 64, ProtocolMajor: 2}, firstSock)
	require.NoError(t, err)
	assert.EqualValues(t, 1, fds.InUse(fdbudget.ClassApps))

	_, err = r.Register(RegisterMessage{Name: "b", Pid: 2, Bitness: 64, ProtocolMajor: 2}, secondSock)
	require.ErrorIs(t, err, usterrors.ErrFDBudgetExhausted)
	assert.EqualValues(t, 1, fds.InUse(fdbudget.ClassApps))

	_, ok := r.PinByPid(2)
	assert.False(t, ok)
}

func TestReRegistrationEvictsOldPidEntry(t *testing.T) {
	r, _ := newTestRegistry()
	_, oldSock := pipePair(t)
	_, newSock := pipePair(t)

	oldApp, err := r.Register(RegisterMessage{Name: "a", Pid: 7, Bitness: 64, ProtocolMajor: 2}, oldSock)
	require.NoError(t, err)
	newApp, err := r.Register(RegisterMessage{Name: "a", Pid: 7, Bitness: 64, ProtocolMajor: 2}, newSock)
	require.NoError(t, err)
	assert.NotSame(t, oldApp, newApp)

	got, ok := r.PinByPid(7)
	require.True(t, ok)
	r.Unpin(got)
	assert.Same(t, newApp, got)

	// the old app is still resolvable by its own socket until unregistered
	gotOld, ok := r.PinBySock(oldSock)
	require.True(t, ok)
	r.Unpin(gotOld)
	assert.Same(t, oldApp, gotOld)
}

func TestUnregisterUnknownSocket(t *testing.T) {
	r, _ := newTestRegistry()
	_, sock := pipePair(t)
	err := r.Unregister(sock)
	require.ErrorIs(t, err, usterrors.ErrNoEntry)
}

func TestUnregisterRemovesFromBothIndexesAndReleasesFD(t *testing.T) {
	fds := fdbudget.New(map[fdbudget.Class]int64{fdbudget.ClassApps: 10})
	r := New(2, allBitnessesOK, fds)
	_, daemonSide := pipePair(t)

	_, err := r.Register(RegisterMessage{Name: "a", Pid: 5, Bitness: 64, ProtocolMajor: 2}, daemonSide)
	require.NoError(t, err)

	require.NoError(t, r.Unregister(daemonSide))
	r.WaitIdle()

	_, ok := r.PinByPid(5)
	assert.False(t, ok)
	_, ok = r.PinBySock(daemonSide)
	assert.False(t, ok)
	assert.EqualValues(t, 0, fds.InUse(fdbudget.ClassApps))
}

func TestUnregisterIsPidSafeAfterReRegistration(t *testing.T) {
	r, _ := newTestRegistry()
	_, oldSock := pipePair(t)
	_, newSock := pipePair(t)

	_, err := r.Register(RegisterMessage{Name: "a", Pid: 9, Bitness: 64, ProtocolMajor: 2}, oldSock)
	require.NoError(t, err)
	newApp, err := r.Register(RegisterMessage{Name: "a", Pid: 9, Bitness: 64, ProtocolMajor: 2}, newSock)
	require.NoError(t, err)

	// unregistering the stale socket must not evict the new app from the
	// pid index (spec 8, scenario 5: re-registration race).
	require.NoError(t, r.Unregister(oldSock))
	r.WaitIdle()

	got, ok := r.PinByPid(9)
	require.True(t, ok)
	r.Unpin(got)
	assert.Same(t, newApp, got)
}

func TestDeferredDestroyWaitsForPinnedReaders(t *testing.T) {
	r, _ := newTestRegistry()
	_, daemonSide := pipePair(t)

	_, err := r.Register(RegisterMessage{Name: "a", Pid: 3, Bitness: 64, ProtocolMajor: 2}, daemonSide)
	require.NoError(t, err)

	pinned, ok := r.PinBySock(daemonSide)
	require.True(t, ok)

	require.NoError(t, r.Unregister(daemonSide))

	done := make(chan struct{})
	go func() {
		r.WaitIdle()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("deferred destroy completed before the pinned reader released its reference")
	case <-time.After(20 * time.Millisecond):
	}

	r.Unpin(pinned)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred destroy never completed after the pin was released")
	}
}

func TestValidateVersionFlipsCompatible(t *testing.T) {
	r, _ := newTestRegistry()
	_, daemonSide := pipePair(t)

	app, err := r.Register(RegisterMessage{Name: "a", Pid: 2, Bitness: 64, ProtocolMajor: 2}, daemonSide)
	require.NoError(t, err)
	require.False(t, app.Compatible)

	err = r.ValidateVersion(daemonSide, func(a *shadow.App) (uint32, uint32, error) {
		return 2, 0, nil
	})
	require.NoError(t, err)
	assert.True(t, app.Compatible)
}

func TestValidateVersionLeavesIncompatibleOnMismatch(t *testing.T) {
	r, _ := newTestRegistry()
	_, daemonSide := pipePair(t)

	app, err := r.Register(RegisterMessage{Name: "a", Pid: 2, Bitness: 64, ProtocolMajor: 2}, daemonSide)
	require.NoError(t, err)

	err = r.ValidateVersion(daemonSide, func(a *shadow.App) (uint32, uint32, error) {
		return 1, 0, nil
	})
	require.NoError(t, err)
	assert.False(t, app.Compatible)
}

func TestForEachAbortsOnOutOfMemory(t *testing.T) {
	r, _ := newTestRegistry()
	for pid := int32(0); pid < 3; pid++ {
		_, sock := pipePair(t)
		_, err := r.Register(RegisterMessage{Name: "a", Pid: pid, Bitness: 64, ProtocolMajor: 2}, sock)
		require.NoError(t, err)
	}

	var visited int
	err := r.ForEach(func(app *shadow.App) error {
		visited++
		return usterrors.ErrOutOfMemory
	})
	require.ErrorIs(t, err, usterrors.ErrOutOfMemory)
	assert.Equal(t, 1, visited)
}

func TestForEachContinuesPastOtherErrors(t *testing.T) {
	r, _ := newTestRegistry()
	for pid := int32(0); pid < 3; pid++ {
		_, sock := pipePair(t)
		_, err := r.Register(RegisterMessage{Name: "a", Pid: pid, Bitness: 64, ProtocolMajor: 2}, sock)
		require.NoError(t, err)
	}

	var visited int
	err := r.ForEach(func(app *shadow.App) error {
		visited++
		return usterrors.ErrPeerExiting
	})
	require.NoError(t, err)
	assert.Equal(t, 3, visited)
}

func TestLenCountsDistinctApps(t *testing.T) {
	r, _ := newTestRegistry()
	assert.Equal(t, 0, r.Len())
	_, s1 := pipePair(t)
	_, err := r.Register(RegisterMessage{Name: "a", Pid: 1, Bitness: 64, ProtocolMajor: 2}, s1)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
}
