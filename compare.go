// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package filecache

import "os"

// isDifferent reports whether the cached copy no longer mirrors original:
// true if the cached file's modification time is strictly older than the
// original's, or if their sizes differ.
//
// Unlike isRemote, a stat failure here is not treated as "different" — it is
// returned to the caller, which routes it to the fallback wrapper instead of
// guessing at freshness.
func isDifferent(original, cached string) (bool, error) {
	oi, err := os.Stat(original)
	if err != nil {
		return false, err
	}
	ci, err := os.Stat(cached)
	if err != nil {
		return false, err
	}

	if ci.ModTime().Before(oi.ModTime()) {
		return true, nil
	}
	if ci.Size() != oi.Size() {
		return true, nil
	}

	return false, nil
}
