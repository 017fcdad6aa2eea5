package sheets

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"google.golang.org/api/googleapi"
)

// Store is the set of spreadsheet operations the sink needs. Implementations
// are bound to a single spreadsheet.
type Store interface {
	// ReadRange returns the cell values of rangeRef, nil when the range is empty
	ReadRange(ctx context.Context, rangeRef string) ([][]string, error)

	// AppendRows appends rows after the last row of the table found in rangeRef
	AppendRows(ctx context.Context, rangeRef string, rows [][]string) error

	// InsertRowsAt shifts existing rows down from startIndex and writes rows
	// into the freed [startIndex, endIndex) range.
	InsertRowsAt(ctx context.Context, sheetID int64, startIndex, endIndex int64, rows [][]string) error

	// CreateSheet adds a sheet tab and returns its id
	CreateSheet(ctx context.Context, title string) (int64, error)

	// GetSheetID resolves a sheet tab title to its id
	GetSheetID(ctx context.Context, title string) (int64, error)
}

// Appender is the part of Store used by the batch sink
type Appender interface {
	AppendRows(ctx context.Context, rangeRef string, rows [][]string) error
}

var ErrSheetNotFound = errors.New("sheet not found")

// SheetTitle returns the sheet part of an A1 range ("Sheet1!A:C" -> "Sheet1")
func SheetTitle(rangeRef string) string {
	title := rangeRef
	if i := strings.Index(rangeRef, "!"); i >= 0 {
		title = rangeRef[:i]
	}
	return strings.Trim(title, "'")
}

// plainTitle matches sheet titles usable unquoted in A1 notation
var plainTitle = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// HeaderRange returns the A1 reference of the first row of rangeRef's sheet
func HeaderRange(rangeRef string) string {
	title := SheetTitle(rangeRef)
	if !plainTitle.MatchString(title) {
		title = "'" + strings.ReplaceAll(title, "'", "''") + "'"
	}
	return title + "!1:1"
}

// IsRetryable reports whether a store error is worth retrying: rate limiting,
// server-side failures and transport errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	return !errors.Is(err, ErrSheetNotFound)
}
