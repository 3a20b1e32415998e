package plan

import (
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/soulo/insight/internal/decompose"
)

// generateSQL builds the parameterized query text for a sql_query plan. The
// owner placeholder is always first and carries no bound value here; the
// retrieval store binds the owner ID when it executes the query.
func generateSQL(sub decompose.SubQuestion, params Parameters) (string, []any) {
	topics := decompose.ExtractTopics(sub.Text)

	var b sq.SelectBuilder
	if sub.Type == decompose.Temporal {
		// Per-month counts for frequency-over-time questions.
		b = sq.Select("substr(entry_date, 1, 7) AS month", "COUNT(*) AS mention_count").
			From("journal_entries").
			Where("owner_id = ?").
			GroupBy("month").
			OrderBy("month ASC")
	} else {
		b = sq.Select("COUNT(*) AS mention_count").
			From("journal_entries").
			Where("owner_id = ?")
	}

	if len(topics) > 0 {
		pattern := "%" + topics[0] + "%"
		b = b.Where(sq.Or{sq.Like{"content": pattern}, sq.Like{"themes": pattern}})
	}
	if params.TimeFilter != nil {
		b = b.Where(sq.GtOrEq{"entry_date": params.TimeFilter.Start.UTC().Format(time.RFC3339)}).
			Where(sq.Lt{"entry_date": params.TimeFilter.End.UTC().Format(time.RFC3339)})
	}

	sqlText, args, err := b.ToSql()
	if err != nil {
		// Builder failures are programming errors; degrade to the simplest
		// owner-scoped count so the plan stays executable.
		return "SELECT COUNT(*) AS mention_count FROM journal_entries WHERE owner_id = ?", nil
	}
	return sqlText, args
}
