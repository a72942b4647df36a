// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	filecache "github.com/tunabay/go-remotemirror"
	"github.com/tunabay/go-infounit"
)

// remoteRoot is the directory this example pretends is mounted over the
// network. In a real deployment it would be an actual NFS mount; here it is
// just a plain directory so the example runs without any special setup. The
// cache classifies a plain local directory as local, so its files are served
// directly (X-Cache: MISS-LOCAL) unless remoteRoot is on a network mount.
const remoteRoot = "/tmp/go-filecache-example/remote"

// cacheDir is the local mirror directory.
const cacheDir = "/tmp/go-filecache-example/cache"

// server represents the example mirror server. It holds one filecache.Cache
// instance shared across every request.
type server struct {
	cache *filecache.Cache
}

// newServer creates the example server and its cache instance.
func newServer() (*server, error) {
	if err := os.MkdirAll(remoteRoot, 0o0755); err != nil {
		return nil, fmt.Errorf("failed to prepare remote root: %w", err)
	}

	sv := &server{}
	cache, err := filecache.NewWithConfig(&filecache.Config{
		Location:   cacheDir,
		Active:     true,
		SizeBudget: int64(infounit.Megabyte * 64),
		Logger:     sv,
		DebugLog:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	sv.cache = cache

	return sv, nil
}

// FileCacheLog implements filecache.Logger to receive log messages from the
// filecache package.
func (sv *server) FileCacheLog(line string) {
	fmt.Fprintf(os.Stderr, "filecache: %s\n", line)
}

// ServeHTTP resolves the requested path under remoteRoot, acquires a cached
// read handle for it, serves the content, and releases the hold once the
// response is written.
func (sv *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/_status" {
		fmt.Fprintln(w, sv.stats())
		return
	}

	clean := filepath.Clean("/" + r.URL.Path)
	original := filepath.Join(remoteRoot, clean)

	if _, err := filepath.Rel(remoteRoot, original); err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	served := sv.cache.AcquireRead(original)
	defer sv.cache.Release(served)

	f, err := os.Open(served)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if served == original {
		w.Header().Set("X-Cache", "MISS-LOCAL")
	} else {
		w.Header().Set("X-Cache", "HIT")
	}

	http.ServeContent(w, r, filepath.Base(original), info.ModTime(), f)
}

// stats renders the server's cache status for the /_status endpoint.
func (sv *server) stats() string {
	return fmt.Sprintf(
		"location=%s active=%t budget=%.1S",
		sv.cache.Location(),
		sv.cache.Active(),
		infounit.ByteCount(sv.cache.Size()),
	)
}
