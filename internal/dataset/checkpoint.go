package dataset

import (
	"errors"
	"fmt"
	"os"
)

// Checkpoint column names shared by the sequential runner and resume logic.
const (
	CheckpointIDColumn       = "id"
	CheckpointResponseColumn = "response"
)

// ReadCheckpoint loads a previously persisted partial-results file and
// returns the id -> response map used to seed the resume skip-set.
// A non-existent file is not an error; it returns an empty map.
func ReadCheckpoint(path string) (map[string]string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}

	tbl, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if !tbl.HasColumn(CheckpointIDColumn) || !tbl.HasColumn(CheckpointResponseColumn) {
		return nil, fmt.Errorf("checkpoint %s: missing %q or %q column",
			path, CheckpointIDColumn, CheckpointResponseColumn)
	}

	done := make(map[string]string, tbl.Len())
	for _, row := range tbl.Rows {
		done[row[CheckpointIDColumn]] = row[CheckpointResponseColumn]
	}
	return done, nil
}

// WriteCheckpoint overwrites the checkpoint file with the current partial
// results. Ordering follows the ids slice so successive checkpoints diff
// cleanly.
func WriteCheckpoint(path string, ids []string, responses map[string]string) error {
	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, Row{
			CheckpointIDColumn:       id,
			CheckpointResponseColumn: responses[id],
		})
	}
	return Write(path, []string{CheckpointIDColumn, CheckpointResponseColumn}, rows)
}
