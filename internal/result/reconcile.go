package result

import (
	"fmt"

	"mcqeval/internal/dataset"
	"mcqeval/internal/request"
)

// Reconcile joins classified records back onto the original table by
// composite identifier, producing exactly one Row per input row.
//
// The iteration runs over the inputs and looks up results, never the other
// way around: that is the invariant that preserves row count when the
// provider drops, expires, or simply never returns some items. An identifier
// absent from records reconciles as StatusMissing.
func Reconcile(tbl *dataset.Table, idColumns []string, records map[string]Record) ([]Row, error) {
	rows := make([]Row, 0, tbl.Len())
	for i, item := range tbl.Rows {
		id, err := request.CompositeID(item, idColumns)
		if err != nil {
			return nil, fmt.Errorf("reconcile row %d: %w", i, err)
		}

		row := Row{Fields: item, ID: id, Status: StatusMissing}
		if rec, ok := records[id]; ok {
			row.Answer = rec.Answer
			row.Status = rec.Status
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// CountByStatus tallies reconciled rows per outcome tag for summary logging.
func CountByStatus(rows []Row) map[Status]int {
	counts := make(map[Status]int)
	for _, r := range rows {
		counts[r.Status]++
	}
	return counts
}
