package changes

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestDecodeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("decoded change sets preserve table change order", prop.ForAll(
		func(tables []string, ordinal uint64) bool {
			in := &DatabaseChanges{}
			for _, table := range tables {
				in.TableChanges = append(in.TableChanges, TableChange{
					Table:     table,
					Ordinal:   ordinal,
					Operation: OperationCreate,
					Fields:    []FieldChange{{Name: "owner", NewValue: table, OldValue: "prev"}},
				})
			}

			out, err := Decode(Encode(in))
			if err != nil || len(out.TableChanges) != len(tables) {
				return false
			}
			for i, tc := range out.TableChanges {
				if tc.Table != tables[i] || tc.Ordinal != ordinal || tc.Fields[0].OldValue != "prev" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Identifier()),
		gen.UInt64(),
	))

	properties.Property("truncated payloads fail with ErrMalformed", prop.ForAll(
		func(table string) bool {
			payload := Encode(&DatabaseChanges{TableChanges: []TableChange{{Table: table, Operation: OperationCreate}}})
			_, err := Decode(payload[:len(payload)-1])
			return assert.ErrorIs(t, err, ErrMalformed)
		},
		gen.Identifier(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	var tc []byte
	tc = appendString(tc, fieldTable, "accounts")
	tc = protowire.AppendTag(tc, 99, protowire.VarintType)
	tc = protowire.AppendVarint(tc, 12345)
	tc = protowire.AppendTag(tc, fieldOperation, protowire.VarintType)
	tc = protowire.AppendVarint(tc, uint64(OperationDelete))

	var payload []byte
	payload = protowire.AppendTag(payload, 7, protowire.BytesType)
	payload = protowire.AppendBytes(payload, []byte("ignored"))
	payload = protowire.AppendTag(payload, fieldTableChanges, protowire.BytesType)
	payload = protowire.AppendBytes(payload, tc)

	out, err := Decode(payload)
	require.NoError(t, err)
	require.Len(t, out.TableChanges, 1)
	assert.Equal(t, "accounts", out.TableChanges[0].Table)
	assert.Equal(t, OperationDelete, out.TableChanges[0].Operation)
}

func TestDecodeCompositePrimaryKey(t *testing.T) {
	entry := func(k, v string) []byte {
		var e []byte
		e = appendString(e, fieldMapKey, k)
		e = appendString(e, fieldMapValue, v)
		return e
	}

	var composite []byte
	for _, kv := range [][2]string{{"user", "bob"}, {"chain", "eth"}} {
		composite = protowire.AppendTag(composite, fieldMapEntries, protowire.BytesType)
		composite = protowire.AppendBytes(composite, entry(kv[0], kv[1]))
	}

	var tc []byte
	tc = protowire.AppendTag(tc, fieldCompositePK, protowire.BytesType)
	tc = protowire.AppendBytes(tc, composite)

	var payload []byte
	payload = protowire.AppendTag(payload, fieldTableChanges, protowire.BytesType)
	payload = protowire.AppendBytes(payload, tc)

	out, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, "chain=eth,user=bob", out.TableChanges[0].PrimaryKey)
}

func TestDecodeEmptyPayload(t *testing.T) {
	out, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, out.TableChanges)
}

func TestIsDatabaseChanges(t *testing.T) {
	assert.True(t, IsDatabaseChanges("type.googleapis.com/sf.substreams.sink.database.v1.DatabaseChanges"))
	assert.True(t, IsDatabaseChanges("proto:sf.substreams.database.v1.DatabaseChanges"))
	assert.True(t, IsDatabaseChanges(MessageTypeName))
	assert.False(t, IsDatabaseChanges("proto:sf.substreams.sink.entity.v1.EntityChanges"))
	assert.False(t, IsDatabaseChanges(""))
}
