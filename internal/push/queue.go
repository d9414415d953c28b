// Package push queues local mutations and flushes them to the CalDAV
// server with ETag preconditions. Operations on the same uid are
// coalesced on enqueue, so the pending log is always the minimal
// representation of local intent; 412 conflicts are parked for explicit
// resolution.
package push

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calsync/caldavcore/internal/model"
)

var (
	ErrOpNotFound = errors.New("pending operation not found")
)

// PendingStore persists queued operations across process restarts. The
// pipeline is the single writer; reads may be concurrent.
type PendingStore interface {
	Append(op *model.PendingOperation) error
	List() ([]*model.PendingOperation, error)
	Remove(id string) error
	Replace(id string, op *model.PendingOperation) error
	// Drop removes an operation that failed terminally; stores may
	// archive it for inspection instead of deleting outright.
	Drop(id string) error
}

// MemoryStore is the in-process PendingStore, used by hosts that accept
// losing the queue on restart and by tests.
type MemoryStore struct {
	mu  sync.RWMutex
	ops []*model.PendingOperation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(op *model.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return nil
}

func (s *MemoryStore) List() ([]*model.PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.PendingOperation, len(s.ops))
	copy(out, s.ops)
	return out, nil
}

func (s *MemoryStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, op := range s.ops {
		if op.ID == id {
			s.ops = append(s.ops[:i], s.ops[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOpNotFound, id)
}

func (s *MemoryStore) Replace(id string, op *model.PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.ops {
		if existing.ID == id {
			s.ops[i] = op
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOpNotFound, id)
}

func (s *MemoryStore) Drop(id string) error {
	return s.Remove(id)
}

// QueueCreate enqueues a create, coalescing against any prior pending
// operation on the same uid.
func (p *Pipeline) QueueCreate(calendarURL string, event *model.Event) error {
	if err := event.Validate(); err != nil {
		return model.NewArgumentError(err.Error())
	}
	op := p.newOp(model.OpCreate)
	op.CalendarURL = calendarURL
	op.Event = event
	return p.enqueue(op)
}

// QueueUpdate enqueues an update against href, guarded by baseETag when
// known.
func (p *Pipeline) QueueUpdate(event *model.Event, href, baseETag string) error {
	if err := event.Validate(); err != nil {
		return model.NewArgumentError(err.Error())
	}
	op := p.newOp(model.OpUpdate)
	op.Event = event
	op.Href = href
	op.BaseETag = baseETag
	return p.enqueue(op)
}

// QueueDelete enqueues a delete for uid at href.
func (p *Pipeline) QueueDelete(uid, href, baseETag string) error {
	if uid == "" {
		return model.NewArgumentError("uid is required")
	}
	op := p.newOp(model.OpDelete)
	op.UID = uid
	op.Href = href
	op.BaseETag = baseETag
	return p.enqueue(op)
}

func (p *Pipeline) newOp(kind model.PendingOpKind) *model.PendingOperation {
	return &model.PendingOperation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Sequence:  p.nextSeq(),
		CreatedAt: time.Now(),
	}
}

// enqueue applies the coalescing table before anything is persisted, so
// the store never holds a redundant chain for one uid.
func (p *Pipeline) enqueue(op *model.PendingOperation) error {
	prior, err := p.findPrior(op.EventUID())
	if err != nil {
		return err
	}
	if prior == nil {
		return p.store.Append(op)
	}

	merged := coalesce(prior, op)
	if merged == nil {
		// Create followed by delete: the event never reached the server,
		// both sides cancel out.
		return p.store.Remove(prior.ID)
	}
	return p.store.Replace(prior.ID, merged)
}

func (p *Pipeline) findPrior(uid string) (*model.PendingOperation, error) {
	if uid == "" {
		return nil, nil
	}
	ops, err := p.store.List()
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.EventUID() == uid {
			return op, nil
		}
	}
	return nil, nil
}

// coalesce merges a prior pending operation with a new one on the same
// uid. A nil result means both cancel out.
//
//	Create  + Update -> Create with the new event
//	Create  + Delete -> nothing
//	Update  + Update -> Update with the new event
//	Update  + Delete -> Delete
//	Delete  + Create -> Update keeping the old href
func coalesce(prior, next *model.PendingOperation) *model.PendingOperation {
	merged := *prior
	switch {
	case prior.Kind == model.OpCreate && next.Kind == model.OpUpdate:
		merged.Event = next.Event
	case prior.Kind == model.OpCreate && next.Kind == model.OpDelete:
		return nil
	case prior.Kind == model.OpUpdate && next.Kind == model.OpUpdate:
		merged.Event = next.Event
	case prior.Kind == model.OpUpdate && next.Kind == model.OpDelete:
		merged.Kind = model.OpDelete
		merged.UID = prior.EventUID()
		merged.Event = nil
	case prior.Kind == model.OpDelete && next.Kind == model.OpCreate:
		merged.Kind = model.OpUpdate
		merged.Event = next.Event
		merged.UID = ""
	default:
		// Same-kind repeats (delete+delete, create+create) keep the
		// newest payload.
		merged.Event = next.Event
		if next.Event == nil {
			merged.Event = prior.Event
		}
	}
	merged.RetryCount = 0
	merged.LastError = ""
	return &merged
}

// Pending returns the queued operations in execution order.
func (p *Pipeline) Pending() ([]*model.PendingOperation, error) {
	ops, err := p.store.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Sequence < ops[j].Sequence })
	return ops, nil
}

// nextSeq hands out monotonic sequence numbers, resuming past the
// highest number already persisted so a restart never reorders the
// durable queue.
func (p *Pipeline) nextSeq() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.seqInit {
		if ops, err := p.store.List(); err == nil {
			for _, op := range ops {
				if op.Sequence > p.seq {
					p.seq = op.Sequence
				}
			}
		}
		p.seqInit = true
	}
	p.seq++
	return p.seq
}
