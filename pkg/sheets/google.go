package sheets

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"
)

const (
	valueInputRaw     = "RAW"
	insertDataRows    = "INSERT_ROWS"
	shiftDimensionRow = "ROWS"
)

// SpreadsheetURL returns the browser URL of a spreadsheet
func SpreadsheetURL(id string) string {
	return "https://docs.google.com/spreadsheets/d/" + id + "/edit"
}

// Client is an authenticated Google Sheets API client
type Client struct {
	svc *sheetsapi.Service
}

// NewClient creates a Client. Authentication comes from opts, see
// Credentials.ClientOptions.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	svc, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &Client{svc: svc}, nil
}

// Spreadsheet returns a Store bound to spreadsheet id
func (c *Client) Spreadsheet(id string) *Spreadsheet {
	return &Spreadsheet{svc: c.svc, id: id}
}

// CreateSpreadsheet creates an empty spreadsheet and returns its id
func (c *Client) CreateSpreadsheet(ctx context.Context, title string) (string, error) {
	resp, err := c.svc.Spreadsheets.Create(&sheetsapi.Spreadsheet{
		Properties: &sheetsapi.SpreadsheetProperties{Title: title},
	}).Fields("spreadsheetId").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create spreadsheet: %w", err)
	}
	if resp.SpreadsheetId == "" {
		return "", errors.New("create spreadsheet returned no id")
	}
	return resp.SpreadsheetId, nil
}

// Spreadsheet implements Store on top of the Sheets v4 API
type Spreadsheet struct {
	svc *sheetsapi.Service
	id  string
}

// ID returns the spreadsheet id
func (s *Spreadsheet) ID() string {
	return s.id
}

func (s *Spreadsheet) ReadRange(ctx context.Context, rangeRef string) ([][]string, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.id, rangeRef).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read range %q: %w", rangeRef, err)
	}
	if len(resp.Values) == 0 {
		return nil, nil
	}

	out := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		out[i] = make([]string, len(row))
		for j, v := range row {
			out[i][j] = fmt.Sprint(v)
		}
	}
	return out, nil
}

func (s *Spreadsheet) AppendRows(ctx context.Context, rangeRef string, rows [][]string) error {
	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		values[i] = make([]interface{}, len(row))
		for j, v := range row {
			values[i][j] = v
		}
	}

	_, err := s.svc.Spreadsheets.Values.Append(s.id, rangeRef, &sheetsapi.ValueRange{Values: values}).
		ValueInputOption(valueInputRaw).
		InsertDataOption(insertDataRows).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append %d rows to %q: %w", len(rows), rangeRef, err)
	}
	return nil
}

func (s *Spreadsheet) InsertRowsAt(ctx context.Context, sheetID int64, startIndex, endIndex int64, rows [][]string) error {
	grid := &sheetsapi.GridRange{
		SheetId:       sheetID,
		StartRowIndex: startIndex,
		EndRowIndex:   endIndex,
		// zero ids and indexes are meaningful here
		ForceSendFields: []string{"SheetId", "StartRowIndex"},
	}

	data := make([]*sheetsapi.RowData, len(rows))
	for i, row := range rows {
		cells := make([]*sheetsapi.CellData, len(row))
		for j := range row {
			v := row[j]
			cells[j] = &sheetsapi.CellData{UserEnteredValue: &sheetsapi.ExtendedValue{StringValue: &v}}
		}
		data[i] = &sheetsapi.RowData{Values: cells}
	}

	req := &sheetsapi.BatchUpdateSpreadsheetRequest{
		Requests: []*sheetsapi.Request{
			{InsertRange: &sheetsapi.InsertRangeRequest{Range: grid, ShiftDimension: shiftDimensionRow}},
			{UpdateCells: &sheetsapi.UpdateCellsRequest{Range: grid, Rows: data, Fields: "*"}},
		},
	}
	if _, err := s.svc.Spreadsheets.BatchUpdate(s.id, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to insert rows at %d in sheet %d: %w", startIndex, sheetID, err)
	}
	return nil
}

func (s *Spreadsheet) CreateSheet(ctx context.Context, title string) (int64, error) {
	req := &sheetsapi.BatchUpdateSpreadsheetRequest{
		Requests: []*sheetsapi.Request{
			{AddSheet: &sheetsapi.AddSheetRequest{Properties: &sheetsapi.SheetProperties{Title: title}}},
		},
	}
	resp, err := s.svc.Spreadsheets.BatchUpdate(s.id, req).Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("failed to create sheet %q: %w", title, err)
	}
	if len(resp.Replies) == 0 || resp.Replies[0].AddSheet == nil || resp.Replies[0].AddSheet.Properties == nil {
		return 0, fmt.Errorf("create sheet %q returned no properties", title)
	}
	return resp.Replies[0].AddSheet.Properties.SheetId, nil
}

func (s *Spreadsheet) GetSheetID(ctx context.Context, title string) (int64, error) {
	resp, err := s.svc.Spreadsheets.Get(s.id).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return 0, fmt.Errorf("failed to get spreadsheet %q: %w", s.id, err)
	}
	for _, sh := range resp.Sheets {
		if sh.Properties != nil && sh.Properties.Title == title {
			return sh.Properties.SheetId, nil
		}
	}
	return 0, fmt.Errorf("%w: %q in spreadsheet %q", ErrSheetNotFound, title, s.id)
}
