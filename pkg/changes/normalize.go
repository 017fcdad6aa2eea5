package changes

import (
	"strconv"
)

// Derived clock columns, in the order they appear in every row
const (
	ColumnDate        = "date"
	ColumnYear        = "year"
	ColumnMonth       = "month"
	ColumnDay         = "day"
	ColumnTimestamp   = "timestamp"
	ColumnSeconds     = "seconds"
	ColumnBlockNumber = "block_number"
	ColumnBlockNum    = "block_num"

	ColumnTable     = "table"
	ColumnPK        = "pk"
	ColumnOrdinal   = "ordinal"
	ColumnOperation = "operation"
)

const dateLayout = "2006-01-02T15:04:05.000Z"

// Normalizer turns decoded change sets into flat rows. Only table changes
// whose operation is in the policy set are kept.
type Normalizer struct {
	operations map[Operation]bool
}

// NewNormalizer creates a Normalizer keeping the given operations. With no
// operations it keeps CREATE only.
func NewNormalizer(ops ...Operation) *Normalizer {
	if len(ops) == 0 {
		ops = []Operation{OperationCreate}
	}
	set := make(map[Operation]bool, len(ops))
	for _, op := range ops {
		set[op] = true
	}
	return &Normalizer{operations: set}
}

// Keeps reports whether rows are produced for op
func (n *Normalizer) Keeps(op Operation) bool {
	return n.operations[op]
}

// Normalize returns one row per kept table change, in payload order
func (n *Normalizer) Normalize(changes *DatabaseChanges, clock BlockClock) []*Row {
	if changes == nil {
		return nil
	}

	var rows []*Row
	for _, tc := range changes.TableChanges {
		if !n.operations[tc.Operation] {
			continue
		}

		row := NewRow()
		setClock(row, clock)
		row.Set(ColumnTable, tc.Table)
		row.Set(ColumnPK, tc.PrimaryKey)
		row.Set(ColumnOrdinal, strconv.FormatUint(tc.Ordinal, 10))
		row.Set(ColumnOperation, strconv.Itoa(int(tc.Operation)))
		for _, f := range tc.Fields {
			if f.NewValue == "" {
				continue
			}
			row.Set(f.Name, f.NewValue)
		}
		rows = append(rows, row)
	}
	return rows
}

func setClock(row *Row, clock BlockClock) {
	date := clock.Time().Format(dateLayout)
	block := strconv.FormatUint(clock.Number, 10)

	row.Set(ColumnDate, date)
	row.Set(ColumnYear, date[0:4])
	row.Set(ColumnMonth, date[5:7])
	row.Set(ColumnDay, date[8:10])
	row.Set(ColumnTimestamp, strconv.FormatFloat(clock.Milliseconds(), 'f', -1, 64))
	row.Set(ColumnSeconds, strconv.FormatInt(clock.Seconds, 10))
	row.Set(ColumnBlockNumber, block)
	row.Set(ColumnBlockNum, block)
}
