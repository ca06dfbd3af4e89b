// Package validate guards the shape of client-supplied identifiers and
// attribute maps before any store is touched.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

// NullMarker is the sentinel a client supplies as a value to delete the key
// at its (possibly nested) path. It never appears in stored state.
const NullMarker = "$$__NULL__$$"

var (
	entityTypeRe      = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)
	entityIDRe        = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	attributeKeyRe    = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)
	worldInstanceIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// EntityType checks the [A-Za-z0-9_]{1,64} shape.
func EntityType(s string) error {
	if !entityTypeRe.MatchString(s) {
		return fmt.Errorf("invalid entity type %q", s)
	}
	return nil
}

// EntityID checks the [A-Za-z0-9_-]{1,128} shape.
func EntityID(s string) error {
	if !entityIDRe.MatchString(s) {
		return fmt.Errorf("invalid entity id %q", s)
	}
	return nil
}

// WorldID rejects negative world ids.
func WorldID(v int64) error {
	if v < 0 {
		return fmt.Errorf("invalid world id %d", v)
	}
	return nil
}

// WorldInstanceID checks the [A-Za-z0-9_-]{1,128} shape.
func WorldInstanceID(s string) error {
	if !worldInstanceIDRe.MatchString(s) {
		return fmt.Errorf("invalid world instance id %q", s)
	}
	return nil
}

// AttributeKey checks the [A-Za-z0-9_]{1,64} shape.
func AttributeKey(s string) error {
	if !attributeKeyRe.MatchString(s) {
		return fmt.Errorf("invalid attribute key %q", s)
	}
	return nil
}

// RankKey splits "scoreType:partitionKey" and validates both halves.
func RankKey(s string) (scoreType, partitionKey string, err error) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return "", "", fmt.Errorf("invalid rank key %q (want scoreType:partitionKey)", s)
	}
	scoreType, partitionKey = s[:idx], s[idx+1:]
	if !attributeKeyRe.MatchString(scoreType) {
		return "", "", fmt.Errorf("invalid rank key %q: bad score type", s)
	}
	if !attributeKeyRe.MatchString(partitionKey) {
		return "", "", fmt.Errorf("invalid rank key %q: bad partition key", s)
	}
	return scoreType, partitionKey, nil
}

// Attributes checks every key of an attribute map. Values are accepted as-is:
// JSON decoding already constrains them to scalars, nested objects, or the
// NullMarker sentinel.
func Attributes(m map[string]any) error {
	for k := range m {
		if err := AttributeKey(k); err != nil {
			return err
		}
	}
	return nil
}

// SortOrder normalizes a leaderboard sort order, defaulting to DESC.
func SortOrder(s string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "DESC":
		return "DESC", nil
	case "ASC":
		return "ASC", nil
	}
	return "", fmt.Errorf("invalid sort order %q", s)
}
