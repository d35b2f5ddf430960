// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tags

import (
	"errors"
	"fmt"
)

// ErrInvalidTag is returned for any tag that does not match the grammar.
var ErrInvalidTag = errors.New("invalid tag")

// TagError describes a tag that failed the grammar.
type TagError struct {
	Tag    string
	Reason string
}

// Error returns the error message.
func (e *TagError) Error() string {
	return fmt.Sprintf("tag %q: %s", e.Tag, e.Reason)
}

// Unwrap returns ErrInvalidTag so callers can match with errors.Is.
func (e *TagError) Unwrap() error {
	return ErrInvalidTag
}

func newTagError(tag, reason string) *TagError {
	return &TagError{Tag: tag, Reason: reason}
}
