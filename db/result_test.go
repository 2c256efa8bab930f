package db

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSQLResult_Rows(t *testing.T) {
	res := NewSQLResult([]string{"id", "name"}, [][]any{
		{int64(1), []byte("alice")},
		{int64(2), []byte("bob")},
	})

	assert.False(t, res.IsEmpty())
	assert.Equal(t, 2, res.GetRowCount())
	assert.Equal(t, 2, res.GetFieldCount())

	assert.Equal(t, uint32(1), res.Read(0).UInt32())
	assert.Equal(t, "alice", res.Read(1).String())

	assert.True(t, res.NextRow())
	assert.Equal(t, uint32(2), res.Read(0).UInt32())
	assert.Equal(t, "bob", res.Read(1).String())

	assert.False(t, res.NextRow())
	assert.True(t, res.Read(0).IsNull())
	assert.False(t, res.NextRow())
}

func TestSQLResult_EmptyAndError(t *testing.T) {
	var nilRes *SQLResult
	assert.True(t, nilRes.IsEmpty())
	assert.NoError(t, nilRes.Err())
	assert.True(t, nilRes.Read(0).IsNull())

	empty := NewSQLResult([]string{"id"}, nil)
	assert.True(t, empty.IsEmpty())
	assert.False(t, empty.NextRow())

	failed := NewErrorResult(errors.New("gone"))
	assert.True(t, failed.IsEmpty())
	assert.EqualError(t, failed.Err(), "gone")
	assert.Equal(t, 0, failed.GetRowCount())
}

func TestSQLResult_OutOfRangeColumn(t *testing.T) {
	res := NewSQLResult([]string{"id"}, [][]any{{int64(7)}})
	assert.True(t, res.Read(1).IsNull())
	assert.True(t, res.Read(-1).IsNull())
}

func TestField_Conversions(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	tests := []struct {
		name  string
		field Field
		check func(t *testing.T, f Field)
	}{
		{"text int", NewField([]byte("-12")), func(t *testing.T, f Field) {
			assert.Equal(t, int32(-12), f.Int32())
			assert.Equal(t, int8(-12), f.Int8())
		}},
		{"text uint64 max", NewField([]byte("18446744073709551615")), func(t *testing.T, f Field) {
			assert.Equal(t, uint64(18446744073709551615), f.UInt64())
		}},
		{"int64", NewField(int64(300)), func(t *testing.T, f Field) {
			assert.Equal(t, uint16(300), f.UInt16())
			assert.Equal(t, uint8(44), f.UInt8())
			assert.True(t, f.Bool())
			assert.Equal(t, "300", f.String())
		}},
		{"float text", NewField([]byte("1.5")), func(t *testing.T, f Field) {
			assert.Equal(t, 1.5, f.Double())
			assert.Equal(t, float32(1.5), f.Float())
		}},
		{"float64", NewField(2.25), func(t *testing.T, f Field) {
			assert.Equal(t, 2.25, f.Double())
			assert.Equal(t, int64(2), f.Int64())
		}},
		{"bool zero", NewField(int64(0)), func(t *testing.T, f Field) {
			assert.False(t, f.Bool())
		}},
		{"null", NewField(nil), func(t *testing.T, f Field) {
			assert.True(t, f.IsNull())
			assert.Equal(t, "", f.String())
			assert.Nil(t, f.Bytes())
			assert.Equal(t, int64(0), f.Int64())
			assert.True(t, f.Time().IsZero())
		}},
		{"datetime", NewField(ts), func(t *testing.T, f Field) {
			assert.Equal(t, ts, f.Time())
			assert.Equal(t, "2024-05-06 07:08:09", f.String())
		}},
		{"datetime text", NewField([]byte("2024-05-06 07:08:09")), func(t *testing.T, f Field) {
			assert.Equal(t, ts, f.Time())
		}},
		{"unix time", NewField(int64(1700000000)), func(t *testing.T, f Field) {
			assert.Equal(t, int64(1700000000), f.Time().Unix())
		}},
		{"blob", NewField([]byte{0, 1, 2}), func(t *testing.T, f Field) {
			assert.Equal(t, []byte{0, 1, 2}, f.Bytes())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, tt.field)
		})
	}
}

func TestPreparedStatement_SetValue(t *testing.T) {
	stmt := NewPreparedStatement(3).SetValue(2, "c").SetValue(0, "a")
	assert.Equal(t, StatementID(3), stmt.ID())
	assert.Equal(t, []any{"a", nil, "c"}, stmt.Args())

	reg := NewStatementRegistry()
	reg.Register(3, "INSERT INTO t VALUES (?, ?, ?)")
	assert.Equal(t, 1, reg.Len())

	resolved, err := reg.Resolve(stmt)
	assert.NoError(t, err)
	assert.Equal(t, "INSERT INTO t VALUES (?, ?, ?)", resolved.Query)
	assert.Equal(t, stmt.Args(), resolved.Args)

	_, err = reg.Resolve(NewPreparedStatement(4))
	assert.ErrorIs(t, err, ErrUnknownStatement)
}

func TestDatabaseCfg_Validate(t *testing.T) {
	cfg := &DatabaseCfg{}
	assert.Error(t, cfg.Validate())

	cfg.Pools = map[string]PoolCfg{"login": {Engine: "login", QueryTimeout: time.Second}}
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, DatabaseConfigName, cfg.GetName())

	cfg.Pools["world"] = PoolCfg{QueueWarnSize: -1}
	assert.Error(t, cfg.Validate())
}
