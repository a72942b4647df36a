// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package filecache

import (
	"math/rand"
	"sync"
)

// instanceID uniquely identifies a Cache instance within its owning process.
// It is never zero and never reused while its owning instance is alive.
type instanceID uint64

// sharedInventory is the process-global registry of who holds what, shared by
// every Cache instance in the running program image, regardless of which
// cache location they use. It implements the three maps from the data model:
// a CachePath -> ProcessId -> InstanceId -> Set<CachedPath> holdings tree, a
// ProcessId -> Set<InstanceId> liveness index, and a CachePath -> byte budget
// map.
//
// All three maps are protected by a single lock, matching the "one
// readers-writer lock per running image" discipline: correctness of the
// nested maps would otherwise require holding multiple locks in a consistent
// order, which a single lock sidesteps entirely.
type sharedInventory struct {
	mu sync.RWMutex

	// holdings[cachePath][pid][instance] is the set of cached paths that
	// instance currently claims.
	holdings map[string]map[int]map[instanceID]map[string]struct{}

	// instances[pid] is the set of instance IDs currently alive in that
	// process, across all cache locations it uses.
	instances map[int]map[instanceID]struct{}

	// budgets[cachePath] is the byte budget for that location; 0 means
	// unlimited.
	budgets map[string]int64
}

var (
	globalInventoryOnce sync.Once
	globalInventoryInst *sharedInventory
)

// globalInventory returns the single process-wide sharedInventory, creating
// it on first use.
func globalInventory() *sharedInventory {
	globalInventoryOnce.Do(func() {
		globalInventoryInst = &sharedInventory{
			holdings:  make(map[string]map[int]map[instanceID]map[string]struct{}),
			instances: make(map[int]map[instanceID]struct{}),
			budgets:   make(map[string]int64),
		}
	})
	return globalInventoryInst
}

// registerInstance draws a fresh, non-zero instance ID unused among the
// calling process's live IDs, registers it with an empty holdings set at
// cachePath, and returns it.
func (s *sharedInventory) registerInstance(cachePath string, pid int) instanceID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.instances[pid]
	if ids == nil {
		ids = make(map[instanceID]struct{})
		s.instances[pid] = ids
	}

	var id instanceID
	for {
		id = instanceID(rand.Uint64())
		if id == 0 {
			continue
		}
		if _, used := ids[id]; !used {
			break
		}
	}
	ids[id] = struct{}{}

	s.holdingSetLocked(cachePath, pid, id)

	return id
}

// reregisterInstance registers an already-drawn instance ID at a new
// cachePath, used by Relocate to preserve InstanceId across a location
// change instead of drawing a fresh one.
func (s *sharedInventory) reregisterInstance(cachePath string, pid int, id instanceID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.instances[pid]
	if ids == nil {
		ids = make(map[instanceID]struct{})
		s.instances[pid] = ids
	}
	ids[id] = struct{}{}

	s.holdingSetLocked(cachePath, pid, id)
}

// holdingSetLocked returns the holdings set for (cachePath, pid, id),
// creating every intermediate map as needed. Callers must hold s.mu.
func (s *sharedInventory) holdingSetLocked(cachePath string, pid int, id instanceID) map[string]struct{} {
	byProcess := s.holdings[cachePath]
	if byProcess == nil {
		byProcess = make(map[int]map[instanceID]map[string]struct{})
		s.holdings[cachePath] = byProcess
	}
	byInstance := byProcess[pid]
	if byInstance == nil {
		byInstance = make(map[instanceID]map[string]struct{})
		byProcess[pid] = byInstance
	}
	held := byInstance[id]
	if held == nil {
		held = make(map[string]struct{})
		byInstance[id] = held
	}
	return held
}

// addHold records that (cachePath, pid, id) claims cachedPath.
func (s *sharedInventory) addHold(cachePath string, pid int, id instanceID, cachedPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdingSetLocked(cachePath, pid, id)[cachedPath] = struct{}{}
}

// removeHold releases cachedPath from (cachePath, pid, id)'s holdings, if
// held; a no-op otherwise.
func (s *sharedInventory) removeHold(cachePath string, pid int, id instanceID, cachedPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byProcess, ok := s.holdings[cachePath]
	if !ok {
		return
	}
	byInstance, ok := byProcess[pid]
	if !ok {
		return
	}
	held, ok := byInstance[id]
	if !ok {
		return
	}
	delete(held, cachedPath)
}

// isHeldAnywhere reports whether any holder at cachePath, in any process,
// claims cachedPath.
func (s *sharedInventory) isHeldAnywhere(cachePath, cachedPath string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heldAnywhereLocked(cachePath, cachedPath)
}

// heldAnywhereLocked is isHeldAnywhere's body, factored out so
// reserveIfUnheld can run the same check inside its own critical section.
// Callers must hold s.mu.
func (s *sharedInventory) heldAnywhereLocked(cachePath, cachedPath string) bool {
	for _, byInstance := range s.holdings[cachePath] {
		for _, held := range byInstance {
			if _, ok := held[cachedPath]; ok {
				return true
			}
		}
	}
	return false
}

// reserveIfUnheld atomically checks whether cachedPath is currently claimed
// by any holder and, if not, immediately claims it for (pid, id) in the same
// critical section. It reports whether cachedPath was already held (by
// anyone, possibly including this very (pid, id) from an earlier call).
//
// This closes the gap between "check whether it's safe to (re)populate this
// path" and "register the hold that protects it from eviction" that a
// separate isHeldAnywhere followed by a later addHold would leave open: with
// two separate calls, the quota engine's eviction walk can run in between
// and delete a path that is about to be claimed, because nothing holds it
// yet. Folding the check and the reservation into one locked operation means
// there is no instant where an about-to-be-claimed path looks unheld to a
// concurrent tidy-up pass.
func (s *sharedInventory) reserveIfUnheld(cachePath string, pid int, id instanceID, cachedPath string) (alreadyHeld bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heldAnywhereLocked(cachePath, cachedPath) {
		return true
	}
	s.holdingSetLocked(cachePath, pid, id)[cachedPath] = struct{}{}
	return false
}

// isHeldBy reports whether (cachePath, pid, id) specifically claims
// cachedPath.
func (s *sharedInventory) isHeldBy(cachePath string, pid int, id instanceID, cachedPath string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byProcess, ok := s.holdings[cachePath]
	if !ok {
		return false
	}
	byInstance, ok := byProcess[pid]
	if !ok {
		return false
	}
	held, ok := byInstance[id]
	if !ok {
		return false
	}
	_, ok = held[cachedPath]
	return ok
}

// unregisterInstance removes (cachePath, pid, id) entirely: its holdings
// entry, its membership in instances[pid], and any now-empty parent maps.
func (s *sharedInventory) unregisterInstance(cachePath string, pid int, id instanceID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if byProcess, ok := s.holdings[cachePath]; ok {
		if byInstance, ok := byProcess[pid]; ok {
			delete(byInstance, id)
			if len(byInstance) == 0 {
				delete(byProcess, pid)
			}
		}
		if len(byProcess) == 0 {
			delete(s.holdings, cachePath)
		}
	}

	if ids, ok := s.instances[pid]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.instances, pid)
		}
	}
}

// reapDeadProcesses drops every ProcessId entry under cachePath, other than
// selfPID, whose process is no longer alive according to alive.
func (s *sharedInventory) reapDeadProcesses(cachePath string, selfPID int, alive func(int) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byProcess, ok := s.holdings[cachePath]
	if !ok {
		return
	}
	for pid := range byProcess {
		if pid == selfPID {
			continue
		}
		if !alive(pid) {
			delete(byProcess, pid)
			delete(s.instances, pid)
		}
	}
	if len(byProcess) == 0 {
		delete(s.holdings, cachePath)
	}
}

// budget returns the byte budget currently set for cachePath; 0 means
// unlimited.
func (s *sharedInventory) budget(cachePath string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.budgets[cachePath]
}

// setBudget sets the byte budget for cachePath, visible to every instance
// sharing that location.
func (s *sharedInventory) setBudget(cachePath string, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[cachePath] = bytes
}
