package changes

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Operation is the kind of mutation carried by a TableChange
type Operation int32

const (
	OperationUnset  Operation = 0
	OperationCreate Operation = 1
	OperationUpdate Operation = 2
	OperationDelete Operation = 3
)

func (o Operation) String() string {
	switch o {
	case OperationUnset:
		return "UNSET"
	case OperationCreate:
		return "CREATE"
	case OperationUpdate:
		return "UPDATE"
	case OperationDelete:
		return "DELETE"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(o)) + ")"
	}
}

// ParseOperation accepts names case-insensitively ("create", "UPDATE", ...)
func ParseOperation(s string) (Operation, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "UNSET":
		return OperationUnset, true
	case "CREATE":
		return OperationCreate, true
	case "UPDATE":
		return OperationUpdate, true
	case "DELETE":
		return OperationDelete, true
	}
	return 0, false
}

// UnmarshalJSON accepts the numeric value or the operation name
func (o *Operation) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		op, ok := ParseOperation(name)
		if !ok {
			return fmt.Errorf("unknown operation %q", name)
		}
		*o = op
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 32)
	if err != nil {
		return fmt.Errorf("invalid operation %s: %w", b, err)
	}
	*o = Operation(n)
	return nil
}

// FieldChange is one changed column within a table-row mutation
type FieldChange struct {
	Name     string `json:"name"`
	NewValue string `json:"new_value,omitempty"`
	OldValue string `json:"old_value,omitempty"`
}

// TableChange is a single row mutation
type TableChange struct {
	Table      string        `json:"table"`
	PrimaryKey string        `json:"pk"`
	Ordinal    uint64        `json:"ordinal"`
	Operation  Operation     `json:"operation"`
	Fields     []FieldChange `json:"fields"`
}

// DatabaseChanges is the payload of one change-set message
type DatabaseChanges struct {
	TableChanges []TableChange `json:"table_changes"`
}

// BlockClock is the block metadata attached to every feed message
type BlockClock struct {
	Number  uint64 `json:"number"`
	Seconds int64  `json:"seconds"`
	Nanos   int32  `json:"nanos"`
}

// Time returns the block time in UTC
func (c BlockClock) Time() time.Time {
	return time.Unix(c.Seconds, int64(c.Nanos)).UTC()
}

// Milliseconds returns the block time in milliseconds since epoch, keeping
// sub-millisecond precision as a fraction.
func (c BlockClock) Milliseconds() float64 {
	return float64(c.Seconds)*1000 + float64(c.Nanos)/1e6
}
