// Package blob implements the blob stores backing cache areas: a local
// directory and an S3 compatible bucket.
package blob

import (
	"regexp"
	"strings"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/zerr"
)

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateKey checks that key is a relative, slash separated path whose
// segments cannot climb out of the store.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return zerr.With(domain.ErrInvalidCacheKey, "key", key)
	}
	for seg := range strings.SplitSeq(key, "/") {
		if seg == "." || seg == ".." || !segmentPattern.MatchString(seg) {
			return zerr.With(domain.ErrInvalidCacheKey, "key", key)
		}
	}
	return nil
}
