// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

/*
Package filecache mirrors files that live on remote, networked storage into a
local directory so that processes on the same host can read them at local-disk
speed.

Multiple processes and multiple goroutines within a process may share the same
cache directory concurrently. A file that is currently in use by any live
holder is never deleted, overwritten, or refreshed underneath it; every public
operation degrades gracefully to the original, uncached path on failure rather
than returning an error.
*/
package filecache
