// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package filecache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv sets up a cache directory and a "remote" directory, and installs an
// isRemote override that treats only paths under remoteDir as remote, so
// ordinary t.TempDir() paths can stand in for a network mount without one.
type testEnv struct {
	cacheDir  string
	remoteDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	root := t.TempDir()
	env := &testEnv{
		cacheDir:  filepath.Join(root, "cache"),
		remoteDir: filepath.Join(root, "remote"),
	}
	require.NoError(t, os.MkdirAll(env.remoteDir, 0o0755))

	prevRemote := isRemote
	isRemote = func(path string) bool { return strings.HasPrefix(path, env.remoteDir) }
	t.Cleanup(func() { isRemote = prevRemote })

	prevAlive := isAlive
	isAlive = func(pid int) bool { return true }
	t.Cleanup(func() { isAlive = prevAlive })

	return env
}

func (env *testEnv) newCache(t *testing.T, budget int64) *Cache {
	t.Helper()
	c, err := NewWithConfig(&Config{Location: env.cacheDir, Active: true, SizeBudget: budget})
	require.NoError(t, err)
	return c
}

func (env *testEnv) writeRemote(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(env.remoteDir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o0644))
	return p
}

func TestAcquireRead_ColdMissPopulatesAndReturnsCachedPath(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCache(t, 0)

	original := env.writeRemote(t, "a.txt", "hello")

	served := c.AcquireRead(original)
	assert.NotEqual(t, original, served)

	got, err := os.ReadFile(served)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestAcquireRead_InactiveCacheReturnsOriginalUnchanged(t *testing.T) {
	env := newTestEnv(t)
	c, err := NewWithConfig(&Config{Location: env.cacheDir, Active: false})
	require.NoError(t, err)

	original := env.writeRemote(t, "a.txt", "hello")
	assert.Equal(t, original, c.AcquireRead(original))
}

func TestAcquireRead_LocalFileIsNeverCached(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCache(t, 0)

	dir := t.TempDir()
	local := filepath.Join(dir, "local.txt")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o0644))

	assert.Equal(t, local, c.AcquireRead(local))
}

func TestAcquireRead_RefusesRefreshWhileHeldByAnotherInstance(t *testing.T) {
	env := newTestEnv(t)
	holder := env.newCache(t, 0)
	other := env.newCache(t, 0)

	original := env.writeRemote(t, "a.txt", "v1")

	served := holder.AcquireRead(original)
	require.NotEqual(t, original, served)

	// Mutate the original after holder has committed to v1, without holder
	// releasing it.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(original, []byte("v2-longer"), 0o0644))

	fallback := other.AcquireRead(original)
	assert.Equal(t, original, fallback, "a stale copy held by someone else must not be refreshed out from under them")
}

func TestAcquireRead_HolderSeesItsOwnCommittedVersionEvenIfStale(t *testing.T) {
	env := newTestEnv(t)
	holder := env.newCache(t, 0)

	original := env.writeRemote(t, "a.txt", "v1")
	served := holder.AcquireRead(original)
	require.NotEqual(t, original, served)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(original, []byte("v2-longer"), 0o0644))

	again := holder.AcquireRead(original)
	assert.Equal(t, served, again)

	got, err := os.ReadFile(again)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got), "holder keeps serving the version it already committed to")
}

func TestAcquireRead_RefreshesAfterRelease(t *testing.T) {
	env := newTestEnv(t)
	holder := env.newCache(t, 0)
	other := env.newCache(t, 0)

	original := env.writeRemote(t, "a.txt", "v1")
	served := holder.AcquireRead(original)
	holder.Release(served)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(original, []byte("v2-longer"), 0o0644))

	refreshed := other.AcquireRead(original)
	require.Equal(t, served, refreshed)

	got, err := os.ReadFile(refreshed)
	require.NoError(t, err)
	assert.Equal(t, "v2-longer", string(got))
}

func TestAcquireWrite_NewDestinationReturnsSlotWithoutHold(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCache(t, 0)

	original := filepath.Join(env.remoteDir, "new.txt")
	slot := c.AcquireWrite(original)
	assert.NotEqual(t, original, slot)
	assert.False(t, globalInventory().isHeldAnywhere(c.location, slot))
}

func TestAcquireWrite_ExistingUnheldSlotIsClaimed(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCache(t, 0)

	original := env.writeRemote(t, "a.txt", "v1")
	// Populate the cache slot via a read first.
	c.AcquireRead(original)
	c.Release(env.cachedPathFor(original))

	slot := c.AcquireWrite(original)
	assert.Equal(t, env.cachedPathFor(original), slot)
	assert.True(t, globalInventory().isHeldBy(c.location, c.pid, c.instance, slot))
}

func TestAcquireWrite_ExistingSlotHeldByAnotherReturnsOriginal(t *testing.T) {
	env := newTestEnv(t)
	holder := env.newCache(t, 0)
	other := env.newCache(t, 0)

	original := env.writeRemote(t, "a.txt", "v1")
	holder.AcquireRead(original) // populates and holds

	fallback := other.AcquireWrite(original)
	assert.Equal(t, original, fallback)
}

func TestWriteBack_UnheldSlotIsRefused(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCache(t, 0)

	original := filepath.Join(env.remoteDir, "new.txt")
	slot := c.AcquireWrite(original)

	result := c.WriteBack(slot, true, false)
	assert.Equal(t, slot, result, "an unheld slot must not be written back")

	_, err := os.Stat(original)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteBack_CreatesDestinationWhenAbsent(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCache(t, 0)

	original := env.writeRemote(t, "a.txt", "v1")
	c.AcquireRead(original) // populates and holds the slot
	slot := env.cachedPathFor(original)

	require.NoError(t, os.WriteFile(slot, []byte("updated"), 0o0644))
	require.NoError(t, os.Remove(original))

	result := c.WriteBack(slot, false, false)
	assert.Equal(t, original, result)

	got, err := os.ReadFile(original)
	require.NoError(t, err)
	assert.Equal(t, "updated", string(got))
}

func TestWriteBack_IfNewerSkipsWhenDestinationNotOlder(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCache(t, 0)

	original := env.writeRemote(t, "a.txt", "v1")
	c.AcquireRead(original)
	slot := env.cachedPathFor(original)

	now := time.Now()
	require.NoError(t, os.Chtimes(original, now, now))
	require.NoError(t, os.Chtimes(slot, now.Add(-time.Hour), now.Add(-time.Hour)))

	result := c.WriteBack(slot, true, true)
	assert.Equal(t, original, result)

	got, err := os.ReadFile(original)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got), "write-back should have been skipped")
}

func TestResizeAndSize_ObserveDecimalMegabytes(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCache(t, 0)

	c.Resize(5)
	assert.Equal(t, int64(5_000_000), c.Size())
}

func TestResize_IsVisibleAcrossInstancesSharingLocation(t *testing.T) {
	env := newTestEnv(t)
	a := env.newCache(t, 0)
	b := env.newCache(t, 0)

	a.Resize(2)
	assert.Equal(t, int64(2_000_000), b.Size())
}

func TestRelocate_PreservesInstanceID(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCache(t, 0)

	originalInstance := c.instance
	newLoc := filepath.Join(t.TempDir(), "relocated")

	c.Relocate(newLoc)

	assert.Equal(t, originalInstance, c.instance)
	assert.Equal(t, newLoc, c.Location())
}

func TestEqual_ComparesByLocation(t *testing.T) {
	env := newTestEnv(t)
	a := env.newCache(t, 0)
	b := env.newCache(t, 0)

	assert.True(t, a.Equal(b))

	other, err := NewWithConfig(&Config{Location: filepath.Join(t.TempDir(), "other"), Active: true})
	require.NoError(t, err)
	assert.False(t, a.Equal(other))
}

func TestBudget_EvictsLeastRecentlyUsedUnheldFileFirst(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCache(t, 300)

	oldest := env.writeRemote(t, "oldest.txt", strings.Repeat("a", 100))
	newest := env.writeRemote(t, "newest.txt", strings.Repeat("b", 100))

	oldServed := c.AcquireRead(oldest)
	c.Release(oldServed)
	time.Sleep(10 * time.Millisecond)

	// Touch the oldest cached file's atime forward isn't needed; it is
	// simply the earliest population, so it sorts first for eviction.
	newServed := c.AcquireRead(newest)
	c.Release(newServed)

	third := env.writeRemote(t, "third.txt", strings.Repeat("c", 150))
	thirdServed := c.AcquireRead(third)
	c.Release(thirdServed)

	_, err := os.Stat(oldServed)
	assert.True(t, os.IsNotExist(err), "oldest unheld cached file should have been evicted to make room")

	_, err = os.Stat(thirdServed)
	assert.NoError(t, err)
}

func (env *testEnv) cachedPathFor(original string) string {
	p, _ := toCached(env.cacheDir, "", original)
	return p
}

// TestAcquireRead_ConcurrentReservationNeverLosesAHeldFile checks that a held
// file survives concurrent eviction: while one file is held and never
// released, a pool of goroutines hammers the same tight budget with distinct
// files, each a cold miss that registers its hold before copying and
// triggers the quota engine's eviction walk. None of those concurrent
// eviction passes may delete the held file.
func TestAcquireRead_ConcurrentReservationNeverLosesAHeldFile(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCache(t, 250)

	pinnedOriginal := env.writeRemote(t, "pinned.txt", strings.Repeat("p", 100))
	pinned := c.AcquireRead(pinnedOriginal)
	require.NotEqual(t, pinnedOriginal, pinned)

	const churners = 20
	originals := make([]string, churners)
	for i := range originals {
		originals[i] = env.writeRemote(t, fmt.Sprintf("churn-%d.txt", i), strings.Repeat("c", 100))
	}

	var wg sync.WaitGroup
	wg.Add(churners)
	for _, original := range originals {
		original := original
		go func() {
			defer wg.Done()
			served := c.AcquireRead(original)
			if served != original {
				c.Release(served)
			}
		}()
	}
	wg.Wait()

	got, err := os.ReadFile(pinned)
	assert.NoError(t, err, "the held file must survive every concurrent eviction pass")
	assert.Equal(t, strings.Repeat("p", 100), string(got))
	assert.True(t, globalInventory().isHeldBy(c.location, c.pid, c.instance, pinned))

	c.Release(pinned)
}

// TestAcquireWrite_ConcurrentCallersNeverBothClaimTheSameSlot exercises
// AcquireWrite's own use of reserveIfUnheld: many goroutines race to claim
// the same write slot, and exactly one of them may win.
func TestAcquireWrite_ConcurrentCallersNeverBothClaimTheSameSlot(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCache(t, 0)

	original := env.writeRemote(t, "shared.txt", "v1")
	c.AcquireRead(original)
	slot := env.cachedPathFor(original)
	c.Release(slot)

	const racers = 16
	results := make([]string, racers)
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = c.AcquireWrite(original)
		}()
	}
	wg.Wait()

	claimed := 0
	for _, r := range results {
		if r == slot {
			claimed++
		}
	}
	assert.Equal(t, 1, claimed, "exactly one concurrent AcquireWrite call should win the slot")
}

func TestReserveIfUnheld_AtomicallyChecksAndReserves(t *testing.T) {
	inv := &sharedInventory{
		holdings:  make(map[string]map[int]map[instanceID]map[string]struct{}),
		instances: make(map[int]map[instanceID]struct{}),
		budgets:   make(map[string]int64),
	}

	id := inv.registerInstance("/cache", 100)

	alreadyHeld := inv.reserveIfUnheld("/cache", 100, id, "/cache/%a")
	assert.False(t, alreadyHeld, "an unheld path should not report as already held")
	assert.True(t, inv.isHeldBy("/cache", 100, id, "/cache/%a"), "reserveIfUnheld must register the hold it reports as absent")

	other := inv.registerInstance("/cache", 100)
	alreadyHeld = inv.reserveIfUnheld("/cache", 100, other, "/cache/%a")
	assert.True(t, alreadyHeld, "a path already held by someone else must be reported, not re-reserved")
}
