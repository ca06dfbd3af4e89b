// Package diff computes value-level differences between two entity
// snapshots. The result contains only changed fields; deletions are encoded
// with the null-marker sentinel so clients can apply the diff as a patch.
package diff

import (
	"reflect"

	"github.com/worldgate/worldgate/internal/model"
	"github.com/worldgate/worldgate/internal/validate"
)

// Entities diffs old against cur and returns an entity carrying cur's
// identity and version but only the attributes and rank scores that differ.
// A key present in old but absent from cur maps to the null marker.
// old may be nil, in which case the full current entity is returned.
func Entities(old, cur *model.Entity) *model.Entity {
	if cur == nil {
		return nil
	}
	if old == nil {
		return cur.Clone()
	}

	out := *cur
	out.Attributes = diffMaps(old.Attributes, cur.Attributes)
	out.RankScores = diffRankScores(old.RankScores, cur.RankScores)
	return &out
}

// diffMaps returns the keys of cur whose values differ from old, plus
// null-marker entries for keys deleted from old. Values are compared
// structurally; nested objects count as changed when any part differs.
func diffMaps(old, cur map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range cur {
		ov, ok := old[k]
		if !ok || !reflect.DeepEqual(ov, v) {
			out[k] = v
		}
	}
	for k := range old {
		if _, ok := cur[k]; !ok {
			out[k] = validate.NullMarker
		}
	}
	return out
}

// diffRankScores diffs the two-level score maps per partition. A partition
// deleted from old maps to the null marker; a score type deleted wholesale
// yields null markers for each of its former partitions.
func diffRankScores(old, cur model.RankScores) model.RankScores {
	out := make(model.RankScores)
	for st, parts := range cur {
		oldParts, ok := old[st]
		if !ok {
			out[st] = copyParts(parts)
			continue
		}
		d := diffMaps(oldParts, parts)
		if len(d) > 0 {
			out[st] = d
		}
	}
	for st, oldParts := range old {
		if _, ok := cur[st]; ok {
			continue
		}
		gone := make(map[string]any, len(oldParts))
		for pk := range oldParts {
			gone[pk] = validate.NullMarker
		}
		out[st] = gone
	}
	return out
}

func copyParts(parts map[string]any) map[string]any {
	out := make(map[string]any, len(parts))
	for k, v := range parts {
		out[k] = v
	}
	return out
}
