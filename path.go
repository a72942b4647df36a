// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package filecache

import (
	"fmt"
	"path/filepath"
	"strings"
)

// pathSentinel is the character substituted for the directory separator when
// mangling an original path into a cache filename. Original paths containing
// this character are out of contract and rejected with ErrPathMangling,
// rather than silently mis-escaped.
const pathSentinel = "%"

// toCached transforms an absolute original path into the flat path of its
// mirror under cacheDir. cwd is the working directory captured at the owning
// instance's construction time, used to make relative originals absolute.
func toCached(cacheDir, cwd, original string) (string, error) {
	if strings.Contains(original, pathSentinel) {
		return "", fmt.Errorf("%w: %q contains the reserved %q character", ErrPathMangling, original, pathSentinel)
	}

	p := original
	if !filepath.IsAbs(p) {
		p = filepath.Join(cwd, p)
	}

	mangled := strings.ReplaceAll(filepath.ToSlash(p), "/", pathSentinel)

	return filepath.Join(cacheDir, mangled), nil
}

// toOriginal reverses toCached: it recovers the original absolute path from a
// cache filename, ignoring any directory component of cachedPath itself since
// the cache directory is always flat.
func toOriginal(cachedPath string) string {
	name := filepath.Base(cachedPath)
	return strings.ReplaceAll(name, pathSentinel, "/")
}
