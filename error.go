// Copyright (c) 2022 Hirotsuna Mizuno. All rights reserved.
// Use of this source code is governed by the MIT license that can be found in
// the LICENSE file.

package filecache

import "errors"

// ErrInvalidConfig is returned when the passed configuration parameter is not
// valid.
var ErrInvalidConfig = errors.New("invalid config")

// ErrFSAccess marks a failure of an underlying filesystem operation such as
// stat, open, copy, or remove. It never escapes a public operation; it is
// only used internally to describe what the fallback wrapper recovered from.
var ErrFSAccess = errors.New("filesystem access failed")

// ErrPathMangling marks an original path that the path mapper cannot
// losslessly transform into a cache filename, such as one already containing
// the '%' sentinel character.
var ErrPathMangling = errors.New("path mangling failed")

// ErrBudgetExhausted marks a failed tidy-up pass: the quota engine could not
// free enough room under the configured budget to admit a new file.
var ErrBudgetExhausted = errors.New("cache budget exhausted")

// ErrUnheldWriteBack marks a call to WriteBack for a cached path that is not
// currently held by the calling instance.
var ErrUnheldWriteBack = errors.New("write-back of a path not held by this instance")

// ErrLocationCreation marks a failure to create or access the cache
// directory itself.
var ErrLocationCreation = errors.New("could not create cache location")

// ErrInternal marks a violation of an internal invariant.
var ErrInternal = errors.New("internal error")
