package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// cacheKey derives a stable memoization key from everything that influences a
// plan's result. Equal inputs always produce equal keys; any parameter change
// produces a different key. External caches rely on this contract.
func cacheKey(text string, method Method, params Parameters) string {
	var sb strings.Builder
	sb.WriteString(text)
	sb.WriteByte('|')
	sb.WriteString(string(method))
	sb.WriteByte('|')
	fmt.Fprintf(&sb, "t=%.3f|n=%d", params.SimilarityThreshold, params.MaxResults)
	if params.TimeFilter != nil {
		sb.WriteByte('|')
		sb.WriteString(params.TimeFilter.Start.UTC().Format(time.RFC3339))
		sb.WriteByte(',')
		sb.WriteString(params.TimeFilter.End.UTC().Format(time.RFC3339))
	}
	for _, f := range params.Filters {
		sb.WriteByte('|')
		sb.WriteString(f)
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return "plan:" + hex.EncodeToString(sum[:16])
}
