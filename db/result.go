package db

import (
	"fmt"
	"strconv"
	"time"
)

// SQLResult is a fully buffered query result. A non-empty result starts
// positioned on its first row; NextRow advances.
//
// A result may also carry the error of a failed query, which is how
// asynchronous failures reach callbacks.
type SQLResult struct {
	columns []string
	rows    [][]any
	row     int
	err     error
}

// NewSQLResult builds a result from buffered rows.
func NewSQLResult(columns []string, rows [][]any) *SQLResult {
	return &SQLResult{columns: columns, rows: rows}
}

// NewErrorResult builds the result of a failed query.
func NewErrorResult(err error) *SQLResult {
	return &SQLResult{err: err}
}

// Err returns the query error, if any.
func (r *SQLResult) Err() error {
	if r == nil {
		return nil
	}
	return r.err
}

// IsEmpty reports whether the query returned no row or failed.
func (r *SQLResult) IsEmpty() bool {
	return r == nil || r.err != nil || len(r.rows) == 0
}

// GetRowCount returns the number of buffered rows.
func (r *SQLResult) GetRowCount() int {
	if r == nil {
		return 0
	}
	return len(r.rows)
}

// GetFieldCount returns the number of columns.
func (r *SQLResult) GetFieldCount() int {
	if r == nil {
		return 0
	}
	return len(r.columns)
}

// Columns returns the column names.
func (r *SQLResult) Columns() []string {
	if r == nil {
		return nil
	}
	return r.columns
}

// NextRow moves to the next row and reports whether one exists.
func (r *SQLResult) NextRow() bool {
	if r.IsEmpty() || r.row >= len(r.rows) {
		return false
	}
	r.row++
	return r.row < len(r.rows)
}

// Read returns column i of the current row. Out of range reads return a
// NULL field.
func (r *SQLResult) Read(i int) Field {
	if r.IsEmpty() || r.row >= len(r.rows) {
		return Field{}
	}
	row := r.rows[r.row]
	if i < 0 || i >= len(row) {
		return Field{}
	}
	return Field{v: row[i]}
}

// Field is one column value as returned by the driver.
type Field struct {
	v any
}

// NewField wraps a raw value, mostly for tests and fakes.
func NewField(v any) Field {
	return Field{v: v}
}

// IsNull reports a SQL NULL.
func (f Field) IsNull() bool {
	return f.v == nil
}

// Raw returns the driver value.
func (f Field) Raw() any {
	return f.v
}

func (f Field) int64() int64 {
	switch v := f.v.(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case uint32:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case []byte:
		n, _ := strconv.ParseInt(string(v), 10, 64)
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

func (f Field) uint64() uint64 {
	switch v := f.v.(type) {
	case uint64:
		return v
	case []byte:
		n, err := strconv.ParseUint(string(v), 10, 64)
		if err != nil {
			return uint64(f.int64())
		}
		return n
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return uint64(f.int64())
		}
		return n
	}
	return uint64(f.int64())
}

func (f Field) Bool() bool     { return f.int64() != 0 }
func (f Field) UInt8() uint8   { return uint8(f.uint64()) }
func (f Field) UInt16() uint16 { return uint16(f.uint64()) }
func (f Field) UInt32() uint32 { return uint32(f.uint64()) }
func (f Field) UInt64() uint64 { return f.uint64() }
func (f Field) Int8() int8     { return int8(f.int64()) }
func (f Field) Int16() int16   { return int16(f.int64()) }
func (f Field) Int32() int32   { return int32(f.int64()) }
func (f Field) Int64() int64   { return f.int64() }

func (f Field) Float() float32 {
	return float32(f.Double())
}

func (f Field) Double() float64 {
	switch v := f.v.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case []byte:
		n, _ := strconv.ParseFloat(string(v), 64)
		return n
	case string:
		n, _ := strconv.ParseFloat(v, 64)
		return n
	}
	return float64(f.int64())
}

func (f Field) String() string {
	switch v := f.v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.DateTime)
	}
	return fmt.Sprint(f.v)
}

// Bytes returns binary column data.
func (f Field) Bytes() []byte {
	switch v := f.v.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

// Time returns a DATETIME/TIMESTAMP column or the time of a unix timestamp column.
func (f Field) Time() time.Time {
	switch v := f.v.(type) {
	case time.Time:
		return v
	case []byte, string:
		if t, err := time.Parse(time.DateTime, f.String()); err == nil {
			return t
		}
	}
	if n := f.int64(); n > 0 {
		return time.Unix(n, 0)
	}
	return time.Time{}
}
