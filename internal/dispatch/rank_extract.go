package dispatch

import (
	"strings"

	"github.com/worldgate/worldgate/internal/model"
	"github.com/worldgate/worldgate/internal/validate"
)

// isRankAttribute reports whether an attribute key carries a leaderboard
// score: rank_* prefix or *_score / *_rank suffix.
func isRankAttribute(key string) bool {
	return strings.HasPrefix(key, "rank_") ||
		strings.HasSuffix(key, "_score") ||
		strings.HasSuffix(key, "_rank")
}

// splitRankScores separates rank-score attributes from plain ones. A map
// value carries explicit partitions; a scalar lands in partition "0"; the
// null marker removes the whole score type.
func splitRankScores(attrs map[string]any) (map[string]any, model.RankScores) {
	if len(attrs) == 0 {
		return attrs, nil
	}

	var ranks model.RankScores
	plain := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if !isRankAttribute(k) {
			plain[k] = v
			continue
		}
		if ranks == nil {
			ranks = model.RankScores{}
		}
		switch val := v.(type) {
		case string:
			if val == validate.NullMarker {
				ranks[k] = nil
			} else {
				plain[k] = v // non-numeric rank attribute stays plain
			}
		case map[string]any:
			ranks[k] = val
		default:
			ranks[k] = map[string]any{"0": v}
		}
	}
	return plain, ranks
}
