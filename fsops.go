// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package filecache

import (
	"io"
	"os"
	"path/filepath"
	"time"
)

// resolveSymlinks resolves every symlink in path. If path does not exist yet
// (common for a write-cache destination that the caller is about to create),
// it is returned unresolved rather than treated as an error: there is
// nothing to resolve, and letting the original, symlink-bearing path flow
// through is harmless.
func resolveSymlinks(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return path, nil
		}
		return "", err
	}
	return resolved, nil
}

// fileExists reports whether path names an existing file, without treating
// its absence as an error.
func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// copyFile copies source to dest by writing to a sibling ".tmp" file first
// and only then placing it at dest, so a concurrent opener of dest by path
// never observes a partial write. The copy's mtime is set to match source's,
// so freshness comparisons against the original remain accurate after the
// copy completes.
//
// If overwrite is true, the tmp file replaces dest via os.Rename, which
// atomically replaces an existing dest; a concurrent opener either sees the
// old file or the new one. If overwrite is false, the tmp file is placed at
// dest via os.Link instead, which fails with an "already exists" error
// rather than silently replacing a dest that appeared since the caller last
// checked.
func copyFile(source, dest string, overwrite bool) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	srcInfo, err := in.Stat()
	if err != nil {
		return err
	}

	tmp := dest + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o0644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if err := os.Chtimes(tmp, time.Now(), srcInfo.ModTime()); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	if overwrite {
		if err := os.Rename(tmp, dest); err != nil {
			_ = os.Remove(tmp)
			return err
		}
		return nil
	}

	if err := os.Link(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	_ = os.Remove(tmp)
	return nil
}

// processName returns the program's own display name, the portable
// equivalent of the original C++ implementation's Linux-only /proc cmdline
// scrape, used in the "[FileCache:<name>]" log prefix.
func processName() string {
	if len(os.Args) == 0 || os.Args[0] == "" {
		return ""
	}
	return filepath.Base(os.Args[0])
}
