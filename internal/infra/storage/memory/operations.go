package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ahrav/branchctl/internal/domain/operation"
)

var _ operation.Repository = (*OperationStore)(nil)

// OperationStore keeps the run ledger in memory.
type OperationStore struct {
	mu     sync.Mutex
	ops    map[int64]operation.Operation
	nextID int64
}

// NewOperationStore creates an empty OperationStore.
func NewOperationStore() *OperationStore {
	return &OperationStore{ops: make(map[int64]operation.Operation)}
}

// Create implements operation.Repository.
func (s *OperationStore) Create(ctx context.Context, op *operation.Operation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	stored := copyOperation(op)
	stored.ID = s.nextID
	s.ops[stored.ID] = stored
	return stored.ID, nil
}

// Update implements operation.Repository.
func (s *OperationStore) Update(ctx context.Context, op *operation.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ops[op.ID]; !ok {
		return operation.ErrOperationNotFound
	}
	s.ops[op.ID] = copyOperation(op)
	return nil
}

// FindByID implements operation.Repository.
func (s *OperationStore) FindByID(ctx context.Context, id int64) (*operation.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return nil, operation.ErrOperationNotFound
	}
	out := copyOperation(&op)
	return &out, nil
}

// FindByTenantID implements operation.Repository.
func (s *OperationStore) FindByTenantID(ctx context.Context, tenantID int64) ([]*operation.Operation, error) {
	return s.filter(func(op *operation.Operation) bool {
		return op.TenantID != nil && *op.TenantID == tenantID
	}, true), nil
}

// FindIncomplete implements operation.Repository.
func (s *OperationStore) FindIncomplete(ctx context.Context) ([]*operation.Operation, error) {
	return s.filter(func(op *operation.Operation) bool { return !op.IsTerminal() }, false), nil
}

func (s *OperationStore) filter(keep func(*operation.Operation) bool, newestFirst bool) []*operation.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*operation.Operation
	for _, op := range s.ops {
		if keep(&op) {
			c := copyOperation(&op)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyOperation(op *operation.Operation) operation.Operation {
	c := *op
	c.Progress = append([]operation.TaskProgress(nil), op.Progress...)
	if op.Parameters != nil {
		c.Parameters = make(map[string]any, len(op.Parameters))
		for k, v := range op.Parameters {
			c.Parameters[k] = v
		}
	}
	if op.Result != nil {
		c.Result = make(map[string]any, len(op.Result))
		for k, v := range op.Result {
			c.Result[k] = v
		}
	}
	return c
}
