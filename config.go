// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package filecache

import "log"

// Config represents the parameters to configure Cache creation.
type Config struct {
	// Location is the path to the directory used to store cached files. It
	// should be a dedicated directory used exclusively for this cache; it
	// is created automatically if it does not exist. Both absolute and
	// relative paths are accepted.
	//
	// If empty, the FILECACHE_LOCATION environment variable is consulted;
	// if that is also unset or names a path that cannot be created, the
	// built-in default location is used instead.
	Location string

	// Active turns the cache on. If false, every public operation is a
	// no-op that returns the original, uncached path; this is mainly
	// useful for debugging. Active is also forced to false, regardless of
	// this value, when the resolved Location itself lives on remote
	// storage. Cache.Relocate re-evaluates activation for the new location.
	Active bool

	// SizeBudget is the per-location byte budget enforced by the
	// quota/tidy-up engine. Zero means unlimited. If zero, the
	// FILECACHE_SIZE environment variable is consulted, interpreted as a
	// decimal byte count (not megabytes; see Cache.Resize for the
	// megabyte-denominated runtime setter). SizeBudget is shared process-
	// wide across every instance at the same Location: the last writer,
	// whether that is this field or a call to Resize, wins for all of
	// them.
	SizeBudget int64

	// Logger, if not nil, receives a single log line for every operation
	// that falls back to its safe, uncached return value.
	Logger Logger

	// DebugLog additionally enables verbose, non-warning log lines. Only
	// effective when Logger is not nil.
	DebugLog bool
}

// Logger is the interface implemented to receive log messages from a running
// Cache instance. Lines are pre-formatted and prefixed with "[FileCache]" or
// "[FileCache:<process-name>]"; FileCacheLog is never called concurrently
// with itself from the same Cache.
type Logger interface {
	FileCacheLog(string)
}

// StdLogger adapts the standard library's *log.Logger to the Logger
// interface, so that callers who just want cache warnings on stderr don't
// have to write their own adapter.
type StdLogger struct {
	*log.Logger
}

// FileCacheLog implements Logger by printing line to the wrapped log.Logger.
func (l StdLogger) FileCacheLog(line string) { l.Logger.Print(line) }
