package header

import (
	"context"
	"fmt"

	"github.com/pinax-network/substreams-sink-sheets/pkg/sheets"
)

// Reconcile makes the first row of rangeRef's sheet equal to columns. When the
// row is missing or differs, columns are shift-inserted at row 0 so data rows
// already appended move down. It returns true when a row was written.
func Reconcile(ctx context.Context, store sheets.Store, rangeRef string, columns []string) (bool, error) {
	if len(columns) == 0 {
		return false, nil
	}

	current, err := store.ReadRange(ctx, sheets.HeaderRange(rangeRef))
	if err != nil {
		return false, fmt.Errorf("failed to read header row: %w", err)
	}
	if len(current) > 0 && Equal(current[0], columns) {
		return false, nil
	}

	title := sheets.SheetTitle(rangeRef)
	sheetID, err := store.GetSheetID(ctx, title)
	if err != nil {
		return false, fmt.Errorf("failed to resolve sheet %q: %w", title, err)
	}

	if err := store.InsertRowsAt(ctx, sheetID, 0, 1, [][]string{columns}); err != nil {
		return false, fmt.Errorf("failed to insert header row: %w", err)
	}
	return true, nil
}

// Equal compares two rows element-wise
func Equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
