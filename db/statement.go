package db

import (
	"fmt"
	"sync"
)

// StatementID names a prepared statement of a pool.
type StatementID uint32

// PreparedStatement is a statement id with positional arguments.
type PreparedStatement struct {
	id   StatementID
	args []any
}

func NewPreparedStatement(id StatementID) *PreparedStatement {
	return &PreparedStatement{id: id}
}

// ID returns the statement id.
func (s *PreparedStatement) ID() StatementID {
	return s.id
}

// AddValue appends the next positional argument.
func (s *PreparedStatement) AddValue(v any) *PreparedStatement {
	s.args = append(s.args, v)
	return s
}

// SetValue sets argument index, growing the argument list with NULLs.
func (s *PreparedStatement) SetValue(index int, v any) *PreparedStatement {
	for len(s.args) <= index {
		s.args = append(s.args, nil)
	}
	s.args[index] = v
	return s
}

// Args returns the bound arguments.
func (s *PreparedStatement) Args() []any {
	return s.args
}

func (s *PreparedStatement) String() string {
	return fmt.Sprintf("stmt(%d)%v", s.id, s.args)
}

// StatementRegistry maps statement ids to SQL text.
type StatementRegistry struct {
	mu    sync.RWMutex
	stmts map[StatementID]string
}

func NewStatementRegistry() *StatementRegistry {
	return &StatementRegistry{stmts: make(map[StatementID]string)}
}

// Register adds or replaces the SQL of id.
func (r *StatementRegistry) Register(id StatementID, sql string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stmts[id] = sql
}

// Resolve turns a prepared statement into SQL text and arguments.
func (r *StatementRegistry) Resolve(stmt *PreparedStatement) (Statement, error) {
	r.mu.RLock()
	sql, ok := r.stmts[stmt.id]
	r.mu.RUnlock()
	if !ok {
		return Statement{}, fmt.Errorf("%w: %d", ErrUnknownStatement, stmt.id)
	}
	return Statement{Query: sql, Args: stmt.args}, nil
}

// Len returns the number of registered statements.
func (r *StatementRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.stmts)
}
