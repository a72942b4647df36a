// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package filecache

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/tunabay/go-infounit"
)

const (
	// envLocation names the environment variable consulted for the cache
	// directory when Config.Location is empty.
	envLocation = "FILECACHE_LOCATION"

	// envSize names the environment variable consulted for the byte
	// budget when Config.SizeBudget is zero. Unlike Resize, this is bytes,
	// not megabytes; see the Open Questions in SPEC_FULL.md.
	envSize = "FILECACHE_SIZE"

	// defaultLocation is used when neither Config.Location nor
	// FILECACHE_LOCATION resolves to a usable directory.
	defaultLocation = "/var/tmp/_cache"

	// megabyte is the decimal (10^6 byte) megabyte used by Resize, not the
	// binary mebibyte (2^20 bytes).
	megabyte = 1_000_000
)

// logMu serializes every log line this package emits, across every Cache
// instance and cache location in the process, so that concurrent goroutines
// never interleave partial lines on a shared Logger.
var logMu sync.Mutex

// Cache mirrors files from remote storage into a local directory. A Cache
// value must be created with New or NewWithConfig; the zero value is not
// usable. Multiple Cache instances, in the same or different processes, may
// share the same Location concurrently.
type Cache struct {
	location string
	active   bool
	cwd      string
	pid      int
	instance instanceID

	processName string
	log         Logger
	debugLog    bool
}

// New creates a cache with the given location and activation state. If
// location is empty, the FILECACHE_LOCATION environment variable is
// consulted, falling back to a built-in default.
func New(location string, activate bool) (*Cache, error) {
	return NewWithConfig(&Config{Location: location, Active: activate})
}

// NewWithConfig creates a cache using the given configuration.
func NewWithConfig(conf *Config) (*Cache, error) {
	if conf == nil {
		return nil, fmt.Errorf("%w: nil Config", ErrInvalidConfig)
	}

	c := &Cache{
		pid:         os.Getpid(),
		processName: processName(),
		log:         conf.Logger,
		debugLog:    conf.DebugLog,
	}
	if cwd, err := os.Getwd(); err == nil {
		c.cwd = cwd
	}

	c.location = resolveLocation(conf.Location, c.warnf)

	active := conf.Active
	if err := os.MkdirAll(c.location, 0o0755); err != nil {
		c.warnf("%s: %v: %v", c.location, ErrLocationCreation, err)
		active = false
	} else if isRemote(c.location) {
		c.logf("%s: cache location is itself remote, disabling cache", c.location)
		active = false
	}
	c.active = active

	budget := conf.SizeBudget
	if budget == 0 {
		if raw, ok := os.LookupEnv(envSize); ok {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v < 0 {
				c.warnf("%s: invalid %s value %q, treating as unlimited", c.location, envSize, raw)
			} else {
				budget = v
			}
		}
	}
	globalInventory().setBudget(c.location, budget)

	c.instance = globalInventory().registerInstance(c.location, c.pid)
	c.logf("cache instance created at %s (instance=%d)", c.location, c.instance)

	return c, nil
}

// resolveLocation implements the location-resolution rule from
// Config.Location's doc comment, isolated so NewWithConfig stays readable.
func resolveLocation(location string, warnf func(string, ...any)) string {
	loc := location
	if loc == "" {
		loc = os.Getenv(envLocation)
		if loc != "" {
			if err := os.MkdirAll(loc, 0o0755); err != nil {
				warnf("%s: %v: %v, falling back to %s", loc, ErrLocationCreation, err, defaultLocation)
				loc = ""
			}
		}
	}
	if loc == "" {
		loc = defaultLocation
	}

	abs, err := filepath.Abs(loc)
	if err != nil {
		warnf("%s: %v, falling back to %s", loc, err, defaultLocation)
		abs, err = filepath.Abs(defaultLocation)
		if err != nil {
			return defaultLocation
		}
	}

	return filepath.Clean(abs)
}

// AcquireRead returns a local path from which original can be read at
// local-disk speed. If caching is inactive or original is not on remote
// storage, it returns original unchanged. Otherwise it populates or reuses
// the mirrored copy according to the freshness and holder rules in
// SPEC_FULL.md's Cache Engine module, registering a hold on the instance
// before returning the cached path.
//
// Any failure along the way is logged and original is returned: the caller
// transparently falls back to the uncached file.
func (c *Cache) AcquireRead(original string) string {
	if !c.active {
		return original
	}

	source, err := resolveSymlinks(original)
	if err != nil {
		c.warnf("%s: %v: failed to resolve symlinks: %v", original, ErrFSAccess, err)
		return original
	}
	if !isRemote(source) {
		return original
	}

	cached, err := toCached(c.location, c.cwd, source)
	if err != nil {
		c.warnf("%s: %v", original, err)
		return original
	}

	exists, err := fileExists(cached)
	if err != nil {
		c.warnf("%s: %v: %v", cached, ErrFSAccess, err)
		return original
	}

	inv := globalInventory()

	if !exists {
		// Reserve before populating: the moment copyFile's rename makes
		// cached visible on disk, a concurrent tidy-up pass must already
		// see it as held, or it can evict the file out from under this
		// call before the return below ever runs.
		inv.addHold(c.location, c.pid, c.instance, cached)
		if !c.populate(source, cached) {
			inv.removeHold(c.location, c.pid, c.instance, cached)
			return original
		}
		return cached
	}

	// reserveIfUnheld folds the "is anyone holding this" check and the
	// reservation that follows it into one locked operation, so there is no
	// window in which the quota engine can see cached as unheld and evict
	// it before this call's own hold is registered.
	if !inv.reserveIfUnheld(c.location, c.pid, c.instance, cached) {
		different, err := isDifferent(source, cached)
		if err != nil {
			c.warnf("%s: %v: %v", cached, ErrFSAccess, err)
			inv.removeHold(c.location, c.pid, c.instance, cached)
			return original
		}
		if different {
			if !c.populate(source, cached) {
				inv.removeHold(c.location, c.pid, c.instance, cached)
				return original
			}
		}
		return cached
	}

	// Held by someone (possibly this very instance, from an earlier call).
	// Either way it's already protected from eviction; only a mismatch with
	// the original is interesting now.
	different, err := isDifferent(source, cached)
	if err != nil {
		c.warnf("%s: %v: %v", cached, ErrFSAccess, err)
		return original
	}
	if !different {
		inv.addHold(c.location, c.pid, c.instance, cached)
		return cached
	}
	if inv.isHeldBy(c.location, c.pid, c.instance, cached) {
		// This instance already committed to the version it holds.
		inv.addHold(c.location, c.pid, c.instance, cached)
		return cached
	}

	// Outdated and held by someone else: can't refresh it out from under
	// them, so fall back to the original.
	return original
}

// AcquireWrite returns a local slot to write a file that will eventually be
// copied back to original with WriteBack. If caching is inactive or original
// is not on remote storage, it returns original unchanged. No data is copied
// by AcquireWrite; if the slot already exists and is unheld, a hold is
// registered on it without touching its content.
func (c *Cache) AcquireWrite(original string) string {
	if !c.active {
		return original
	}

	source, err := resolveSymlinks(original)
	if err != nil {
		c.warnf("%s: %v: failed to resolve symlinks: %v", original, ErrFSAccess, err)
		return original
	}
	if !isRemote(source) {
		return original
	}

	cached, err := toCached(c.location, c.cwd, source)
	if err != nil {
		c.warnf("%s: %v", original, err)
		return original
	}

	exists, err := fileExists(cached)
	if err != nil {
		c.warnf("%s: %v: %v", cached, ErrFSAccess, err)
		return original
	}
	if !exists {
		return cached
	}

	// reserveIfUnheld folds the held-check and the reservation into one
	// locked operation, for the same reason AcquireRead uses it: a separate
	// isHeldAnywhere followed by a later addHold would leave a window where
	// a concurrent tidy-up pass sees this slot as unheld and evicts it
	// before the caller ever gets to write to it.
	if globalInventory().reserveIfUnheld(c.location, c.pid, c.instance, cached) {
		return original
	}
	return cached
}

// WriteBack copies a write-cached file back to the location its original
// path identifies. cached must currently be held by this instance (normally
// obtained from a prior AcquireWrite call); otherwise WriteBack logs and
// returns cached unchanged.
//
// If the destination does not exist, it is created unconditionally. If it
// exists, ifNewer gates whether the copy happens at all (only when the
// destination's mtime is strictly older than the cached file's); overwrite
// then gates whether an existing destination is actually replaced.
func (c *Cache) WriteBack(cached string, overwrite, ifNewer bool) string {
	inv := globalInventory()
	if !inv.isHeldBy(c.location, c.pid, c.instance, cached) {
		c.warnf("%s: %v", cached, ErrUnheldWriteBack)
		return cached
	}

	destination := toOriginal(cached)

	destInfo, statErr := os.Stat(destination)
	switch {
	case statErr != nil && !os.IsNotExist(statErr):
		c.warnf("%s: %v: %v", destination, ErrFSAccess, statErr)
		return cached

	case statErr != nil:
		if err := copyFile(cached, destination, false); err != nil {
			c.warnf("%s: %v: %v", destination, ErrFSAccess, err)
			return cached
		}
		return destination

	case !overwrite:
		c.logf("%s: destination exists and overwrite is disabled, write-back skipped", destination)
		return destination

	default:
		cachedInfo, err := os.Stat(cached)
		if err != nil {
			c.warnf("%s: %v: %v", cached, ErrFSAccess, err)
			return cached
		}
		if ifNewer && !destInfo.ModTime().Before(cachedInfo.ModTime()) {
			c.logf("%s: destination has the same or newer timestamp, write-back skipped", destination)
			return destination
		}
		if err := copyFile(cached, destination, true); err != nil {
			c.warnf("%s: %v: %v", destination, ErrFSAccess, err)
			return cached
		}
		return destination
	}
}

// Release drops cached from this instance's holdings, making it eligible for
// eviction by the quota engine the next time this location is tidied up. A
// no-op if cached is not held by this instance.
func (c *Cache) Release(cached string) {
	globalInventory().removeHold(c.location, c.pid, c.instance, cached)
}

// Relocate moves this instance to a new cache location, preserving its
// InstanceId. It is a no-op if newLocation equals the current location.
//
// Relocate re-evaluates activation for the new location: the instance is
// active there unless the directory cannot be created or is itself remote,
// whatever Active value it was created with.
func (c *Cache) Relocate(newLocation string) {
	abs, err := filepath.Abs(newLocation)
	if err != nil {
		c.warnf("%s: %v", newLocation, err)
		return
	}
	abs = filepath.Clean(abs)
	if abs == c.location {
		return
	}

	inv := globalInventory()
	inv.unregisterInstance(c.location, c.pid, c.instance)

	c.location = abs
	active := true
	if err := os.MkdirAll(c.location, 0o0755); err != nil {
		c.warnf("%s: %v: %v", c.location, ErrLocationCreation, err)
		active = false
	} else if isRemote(c.location) {
		c.logf("%s: cache location is itself remote, disabling cache", c.location)
		active = false
	}
	c.active = active
	inv.reregisterInstance(c.location, c.pid, c.instance)
}

// Resize sets the byte budget for this cache's location, visible to every
// instance that shares it. megabytes is in decimal megabytes (10^6 bytes),
// not mebibytes; this mismatch with the byte-valued FILECACHE_SIZE
// environment variable is intentional, carried over from the original C++
// implementation's contract.
func (c *Cache) Resize(megabytes int64) {
	globalInventory().setBudget(c.location, megabytes*megabyte)
	c.logf("cache resized to %.1S", infounit.ByteCount(megabytes*megabyte))
}

// Size returns the byte budget currently set for this cache's location; 0
// means unlimited. Unlike Resize, which takes megabytes, Size reports bytes:
// after Resize(n) it returns n * 10^6.
func (c *Cache) Size() int64 {
	return globalInventory().budget(c.location)
}

// Location returns this cache's current directory.
func (c *Cache) Location() string { return c.location }

// Active reports whether this cache instance is currently populating and
// serving cached files.
func (c *Cache) Active() bool { return c.active }

// SetDebugLog toggles verbose logging for this instance.
func (c *Cache) SetDebugLog(on bool) { c.debugLog = on }

// Equal reports whether two Cache instances share the same location.
func (c *Cache) Equal(other *Cache) bool {
	if other == nil {
		return false
	}
	return c.location == other.location
}

// Close tears this instance down: it stops counting as a holder of anything
// it previously acquired. It does not delete any on-disk file; cached copies
// persist as residue for a future tidy-up pass.
func (c *Cache) Close() error {
	globalInventory().unregisterInstance(c.location, c.pid, c.instance)
	return nil
}

// populate makes room for source's size at this cache's location, then
// copies source to cached. It returns false, having logged why, if either
// step fails.
func (c *Cache) populate(source, cached string) bool {
	info, err := os.Stat(source)
	if err != nil {
		c.warnf("%s: %v: %v", source, ErrFSAccess, err)
		return false
	}

	if !c.ensureRoom(info.Size()) {
		c.warnf("%s: %v", cached, ErrBudgetExhausted)
		return false
	}

	if err := copyFile(source, cached, true); err != nil {
		c.warnf("%s: %v: %v", cached, ErrFSAccess, err)
		_ = os.Remove(cached)
		return false
	}

	c.logf("%s: populated from %s", cached, source)
	return true
}

// ensureRoom runs the quota/tidy-up engine for incoming additional bytes at
// this cache's location.
func (c *Cache) ensureRoom(incoming int64) bool {
	inv := globalInventory()
	budget := inv.budget(c.location)

	return ensureRoom(
		c.location, incoming, budget,
		func(path string) bool { return inv.isHeldAnywhere(c.location, path) },
		func() { inv.reapDeadProcesses(c.location, c.pid, isAlive) },
		c.warnf,
	)
}

// prefix formats this instance's log-line prefix per SPEC_FULL.md's
// AMBIENT STACK section.
func (c *Cache) prefix() string {
	if c.processName == "" {
		return "[FileCache]"
	}
	return fmt.Sprintf("[FileCache:%s]", c.processName)
}

// warnf logs a single-line warning, used whenever an operation falls back to
// its safe return value.
func (c *Cache) warnf(format string, v ...any) {
	if c.log == nil {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	c.log.FileCacheLog(fmt.Sprintf("%s WARNING: %s", c.prefix(), fmt.Sprintf(format, v...)))
}

// logf logs a single-line verbose message, only emitted when DebugLog is on.
func (c *Cache) logf(format string, v ...any) {
	if c.log == nil || !c.debugLog {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	c.log.FileCacheLog(fmt.Sprintf("%s %s", c.prefix(), fmt.Sprintf(format, v...)))
}
