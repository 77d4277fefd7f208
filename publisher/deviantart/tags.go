// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package deviantart

import "strings"

// SanitizeTag normalizes a user-entered tag to the character set upstream
// accepts: spaces become underscores, hyphens are stripped, everything
// outside [a-zA-Z0-9_] is dropped.
func SanitizeTag(tag string) string {
	var b strings.Builder
	b.Grow(len(tag))
	for _, r := range tag {
		switch {
		case r == ' ':
			b.WriteByte('_')
		case r == '-':
			// stripped, not replaced
		case r == '_',
			r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeTags sanitizes every tag and drops the ones that end up empty.
func SanitizeTags(tags []string) []string {
	sanitized := make([]string, 0, len(tags))
	for _, tag := range tags {
		if clean := SanitizeTag(tag); clean != "" {
			sanitized = append(sanitized, clean)
		}
	}
	return sanitized
}
