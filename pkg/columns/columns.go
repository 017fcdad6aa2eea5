package columns

import (
	"strings"
	"sync"

	"github.com/pinax-network/substreams-sink-sheets/pkg/changes"
)

// Set is the ordered column list rows are projected onto. It is either
// explicit or inferred from the first observed row, and never changes once
// non-empty.
type Set struct {
	mu       sync.RWMutex
	columns  []string
	inferred bool
}

// NewSet creates a Set. An empty explicit list enables inference.
func NewSet(explicit []string) *Set {
	cols := make([]string, 0, len(explicit))
	for _, c := range explicit {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return &Set{columns: cols}
}

// Observe infers the column list from row's keys if the set is still empty.
// It returns the (possibly just frozen) columns.
func (s *Set) Observe(row *changes.Row) []string {
	s.mu.RLock()
	if len(s.columns) > 0 || row == nil || row.Len() == 0 {
		defer s.mu.RUnlock()
		return s.copyLocked()
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.columns) == 0 {
		s.columns = row.Keys()
		s.inferred = true
	}
	return s.copyLocked()
}

// Columns returns a copy of the current column list
func (s *Set) Columns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Frozen reports whether the column list is set
func (s *Set) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.columns) > 0
}

// Inferred reports whether the columns came from an observed row
func (s *Set) Inferred() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inferred
}

func (s *Set) copyLocked() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

// Project returns row's values in column order, "" where a column is absent
// or empty.
func Project(row *changes.Row, columns []string) []string {
	out := make([]string, len(columns))
	if row == nil {
		return out
	}
	for i, c := range columns {
		if v, ok := row.Get(c); ok {
			out[i] = v
		}
	}
	return out
}

// ProjectAll projects every row, observing the first one for inference
func (s *Set) ProjectAll(rows []*changes.Row) [][]string {
	if len(rows) == 0 {
		return nil
	}
	cols := s.Observe(rows[0])
	out := make([][]string, len(rows))
	for i, row := range rows {
		out[i] = Project(row, cols)
	}
	return out
}

// Parse splits a comma separated column list
func Parse(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
