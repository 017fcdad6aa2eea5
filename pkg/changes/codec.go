package changes

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Type names of the DatabaseChanges message accepted from the feed. The
// second entry is the package name used by older sink modules.
const (
	MessageTypeName       = "sf.substreams.sink.database.v1.DatabaseChanges"
	LegacyMessageTypeName = "sf.substreams.database.v1.DatabaseChanges"
)

// MessageTypeNames lists every accepted DatabaseChanges type name
var MessageTypeNames = []string{MessageTypeName, LegacyMessageTypeName}

// IsDatabaseChanges reports whether a type URL or manifest output type
// ("type.googleapis.com/...", "proto:...") names an accepted message.
func IsDatabaseChanges(typeURL string) bool {
	name := typeURL
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	for _, accepted := range MessageTypeNames {
		if name == accepted {
			return true
		}
	}
	return false
}

// wire field numbers
const (
	fieldTableChanges = 1

	fieldTable       = 1
	fieldPK          = 2
	fieldOrdinal     = 3
	fieldOperation   = 4
	fieldFields      = 5
	fieldCompositePK = 6

	fieldName     = 1
	fieldNewValue = 2
	fieldOldValue = 3

	fieldMapEntries = 1
	fieldMapKey     = 1
	fieldMapValue   = 2
)

var ErrMalformed = errors.New("malformed DatabaseChanges payload")

// Decode parses the protobuf wire encoding of a DatabaseChanges message.
// Unknown fields are skipped.
func Decode(payload []byte) (*DatabaseChanges, error) {
	out := &DatabaseChanges{}
	err := walk(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldTableChanges || typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		msg, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		tc, err := decodeTableChange(msg)
		if err != nil {
			return 0, fmt.Errorf("table change #%d: %w", len(out.TableChanges), err)
		}
		out.TableChanges = append(out.TableChanges, tc)
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeTableChange(b []byte) (TableChange, error) {
	var tc TableChange
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldTable && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			tc.Table = v
			return n, nil
		case num == fieldPK && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			tc.PrimaryKey = v
			return n, nil
		case num == fieldCompositePK && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			pk, err := decodeCompositeKey(v)
			if err != nil {
				return 0, fmt.Errorf("composite pk: %w", err)
			}
			tc.PrimaryKey = pk
			return n, nil
		case num == fieldOrdinal && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			tc.Ordinal = v
			return n, nil
		case num == fieldOperation && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			tc.Operation = Operation(int32(v))
			return n, nil
		case num == fieldFields && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			f, err := decodeField(v)
			if err != nil {
				return 0, fmt.Errorf("field #%d: %w", len(tc.Fields), err)
			}
			tc.Fields = append(tc.Fields, f)
			return n, nil
		}
		return skip(num, typ, b)
	})
	return tc, err
}

func decodeField(b []byte) (FieldChange, error) {
	var f FieldChange
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		switch num {
		case fieldName:
			v, n := protowire.ConsumeString(b)
			f.Name = v
			return n, nil
		case fieldNewValue:
			v, n := protowire.ConsumeString(b)
			f.NewValue = v
			return n, nil
		case fieldOldValue:
			v, n := protowire.ConsumeString(b)
			f.OldValue = v
			return n, nil
		}
		return skip(num, typ, b)
	})
	return f, err
}

// decodeCompositeKey renders a map<string,string> key set as "k1=v1,k2=v2"
// with keys sorted.
func decodeCompositeKey(b []byte) (string, error) {
	keys := map[string]string{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldMapEntries || typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var k, v string
		err := walk(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if typ != protowire.BytesType {
				return skip(num, typ, b)
			}
			switch num {
			case fieldMapKey:
				s, n := protowire.ConsumeString(b)
				k = s
				return n, nil
			case fieldMapValue:
				s, n := protowire.ConsumeString(b)
				v = s
				return n, nil
			}
			return skip(num, typ, b)
		})
		if err != nil {
			return 0, err
		}
		keys[k] = v
		return n, nil
	})
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + "=" + keys[k]
	}
	return strings.Join(parts, ","), nil
}

// walk iterates over the fields of one message. fn consumes the field value
// and returns the number of bytes read, or a negative protowire error code.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

// Encode returns the protobuf wire encoding of changes. Primary keys are
// always written as the plain pk field.
func Encode(changes *DatabaseChanges) []byte {
	var out []byte
	for _, tc := range changes.TableChanges {
		out = protowire.AppendTag(out, fieldTableChanges, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeTableChange(tc))
	}
	return out
}

func encodeTableChange(tc TableChange) []byte {
	var b []byte
	if tc.Table != "" {
		b = appendString(b, fieldTable, tc.Table)
	}
	if tc.PrimaryKey != "" {
		b = appendString(b, fieldPK, tc.PrimaryKey)
	}
	if tc.Ordinal != 0 {
		b = protowire.AppendTag(b, fieldOrdinal, protowire.VarintType)
		b = protowire.AppendVarint(b, tc.Ordinal)
	}
	if tc.Operation != OperationUnset {
		b = protowire.AppendTag(b, fieldOperation, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(tc.Operation))
	}
	for _, f := range tc.Fields {
		var fb []byte
		if f.Name != "" {
			fb = appendString(fb, fieldName, f.Name)
		}
		if f.NewValue != "" {
			fb = appendString(fb, fieldNewValue, f.NewValue)
		}
		if f.OldValue != "" {
			fb = appendString(fb, fieldOldValue, f.OldValue)
		}
		b = protowire.AppendTag(b, fieldFields, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
