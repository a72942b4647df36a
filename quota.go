// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package filecache

import (
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/petar/GoLLRB/llrb"
)

// evictionCandidate is a file directly under a cache location that tidy-up
// may delete. Candidates are ordered ascending by access time, oldest first;
// ties are broken by the order in which the directory walk produced them,
// matching filesystem-iteration order.
type evictionCandidate struct {
	path  string
	atime time.Time
	size  int64
	seq   int
}

// Less implements llrb.Item.
func (c *evictionCandidate) Less(other llrb.Item) bool {
	o := other.(*evictionCandidate) //nolint:forcetypeassert
	if !c.atime.Equal(o.atime) {
		return c.atime.Before(o.atime)
	}
	return c.seq < o.seq
}

// ensureRoom enforces budget bytes at cacheLocation against incoming
// additional bytes. held reports whether a candidate path is claimed by any
// holder and so must not be evicted; reap is called once, between building
// the candidate list and checking whether room was already sufficient, to
// give a chance to reclaim holdings of dead processes before resorting to
// eviction. logf receives one line per file evicted or per failure.
//
// It returns true if the budget is satisfied (including the unlimited case,
// budget == 0) after any eviction, false if the walk exhausted every
// evictable candidate without making enough room.
func ensureRoom(cacheLocation string, incoming, budget int64, held func(path string) bool, reap func(), logf func(string, ...any)) bool {
	if budget == 0 {
		return true
	}

	dir, err := os.Open(cacheLocation)
	if err != nil {
		logf("%s: failed to read cache directory: %v", cacheLocation, err)
		return false
	}
	// File.ReadDir, unlike os.ReadDir, keeps filesystem-iteration order
	// instead of sorting by name; seq below relies on that order.
	entries, err := dir.ReadDir(-1)
	dir.Close()
	if err != nil {
		logf("%s: failed to read cache directory: %v", cacheLocation, err)
		return false
	}

	tree := llrb.New()
	total := incoming
	seq := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
		tree.InsertNoReplace(&evictionCandidate{
			path:  filepath.Join(cacheLocation, entry.Name()),
			atime: accessTime(info),
			size:  info.Size(),
			seq:   seq,
		})
		seq++
	}

	reap()

	if total <= budget {
		return true
	}

	freed := false
	zero := &evictionCandidate{}
	tree.AscendGreaterOrEqual(zero, func(item llrb.Item) bool {
		cand := item.(*evictionCandidate) //nolint:forcetypeassert

		if held(cand.path) {
			return true // skip, still in use
		}
		if err := os.Remove(cand.path); err != nil {
			logf("%s: failed to evict: %v", cand.path, err)
			return true
		}
		total -= cand.size
		logf("%s: evicted to enforce cache budget", cand.path)

		if total < budget {
			freed = true
			return false // stop, made enough room
		}
		return true
	})

	return freed
}

// accessTime extracts the access time (atime) from a os.FileInfo obtained
// from a regular file on a unix filesystem. Tidy-up approximates LRU using
// atime, not mtime, since mtime tracks content freshness rather than recency
// of use.
func accessTime(info os.FileInfo) time.Time {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
	}
	return info.ModTime()
}
