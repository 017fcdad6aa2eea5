package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pinax-network/substreams-sink-sheets/pkg/changes"
)

func TestParseLine(t *testing.T) {
	line := `{"clock":{"number":100,"seconds":1000},"table_changes":[{"table":"t","pk":"1","ordinal":5,"operation":"CREATE","fields":[{"name":"amount","new_value":"42"}]}]}`

	msg, err := parseLine([]byte(line), "db_out")
	require.NoError(t, err)
	assert.Equal(t, "db_out", msg.Module)
	assert.True(t, changes.IsDatabaseChanges(msg.TypeURL))
	assert.Equal(t, "100", msg.Cursor)

	decoded, err := changes.Decode(msg.Payload)
	require.NoError(t, err)
	require.Len(t, decoded.TableChanges, 1)
	tc := decoded.TableChanges[0]
	assert.Equal(t, changes.OperationCreate, tc.Operation)
	assert.Equal(t, "42", tc.Fields[0].NewValue)

	_, err = parseLine([]byte(`{"clock":`), "db_out")
	assert.Error(t, err)
}
