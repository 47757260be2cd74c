package compliance

import (
	"context"
	"sync"
)

// Store persists violations and legal cases.
type Store interface {
	SaveViolation(ctx context.Context, v *Violation) error
	ViolationsByUser(ctx context.Context, userID string, limit int) ([]*Violation, error)
	ViolationsByOperator(ctx context.Context, operatorID string, limit int) ([]*Violation, error)
	AllViolations(ctx context.Context) ([]*Violation, error)
	SaveCase(ctx context.Context, c *Case) error
	GetCase(ctx context.Context, id string) (*Case, error)
	ListCases(ctx context.Context, status string) ([]*Case, error)
}

// MemoryStore implements Store in memory for demo/testing. Violations are
// bounded at a retention cap; cases are not (there are few of them).
type MemoryStore struct {
	cap        int
	mu         sync.RWMutex
	violations []*Violation
	cases      map[string]*Case
	caseOrder  []string
}

// NewMemoryStore creates an in-memory compliance store keeping at most cap
// violations.
func NewMemoryStore(cap int) *MemoryStore {
	if cap <= 0 {
		cap = 10000
	}
	return &MemoryStore{cap: cap, cases: make(map[string]*Case)}
}

func (s *MemoryStore) SaveViolation(_ context.Context, v *Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *v
	s.violations = append(s.violations, &cp)
	if len(s.violations) > s.cap {
		s.violations = s.violations[len(s.violations)-s.cap:]
	}
	return nil
}

func (s *MemoryStore) ViolationsByUser(_ context.Context, userID string, limit int) ([]*Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(v *Violation) bool { return v.UserID == userID }, limit), nil
}

func (s *MemoryStore) ViolationsByOperator(_ context.Context, operatorID string, limit int) ([]*Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter(func(v *Violation) bool { return v.OperatorID == operatorID }, limit), nil
}

func (s *MemoryStore) AllViolations(_ context.Context) ([]*Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Violation, 0, len(s.violations))
	for _, v := range s.violations {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

// filter returns matching violations newest first. Caller holds s.mu.
func (s *MemoryStore) filter(match func(*Violation) bool, limit int) []*Violation {
	if limit <= 0 {
		limit = 100
	}
	var out []*Violation
	for i := len(s.violations) - 1; i >= 0 && len(out) < limit; i-- {
		if match(s.violations[i]) {
			cp := *s.violations[i]
			out = append(out, &cp)
		}
	}
	return out
}

func (s *MemoryStore) SaveCase(_ context.Context, c *Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cases[c.ID]; !ok {
		s.caseOrder = append(s.caseOrder, c.ID)
	}
	cp := cloneCase(c)
	s.cases[c.ID] = cp
	return nil
}

func (s *MemoryStore) GetCase(_ context.Context, id string) (*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cases[id]
	if !ok {
		return nil, nil
	}
	return cloneCase(c), nil
}

func (s *MemoryStore) ListCases(_ context.Context, status string) ([]*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Case
	for i := len(s.caseOrder) - 1; i >= 0; i-- {
		c := s.cases[s.caseOrder[i]]
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, cloneCase(c))
	}
	return out, nil
}

func cloneCase(c *Case) *Case {
	cp := *c
	cp.AffectedUsers = append([]string(nil), c.AffectedUsers...)
	cp.Evidence = append([]Violation(nil), c.Evidence...)
	cp.Contacts = append([]Contact(nil), c.Contacts...)
	cp.Legal.Immediate = append([]string(nil), c.Legal.Immediate...)
	cp.Legal.ShortTerm = append([]string(nil), c.Legal.ShortTerm...)
	cp.Legal.LongTerm = append([]string(nil), c.Legal.LongTerm...)
	cp.Legal.Evidence = append([]string(nil), c.Legal.Evidence...)
	return &cp
}
