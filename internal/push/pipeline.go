package push

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/calsync/caldavcore/internal/caldav"
	"github.com/calsync/caldavcore/internal/model"
)

const defaultMaxRetries = 3

// LocalApplier receives server-side state during conflict resolution:
// when the server wins, its version is handed back to the local store.
// Implementations must be idempotent.
type LocalApplier interface {
	UpsertEvent(event model.Event) error
	RecordETag(uid, href, etag string) error
}

// PushReport summarizes one flush of the pending queue.
type PushReport struct {
	Pushed    int           `json:"pushed"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Pipeline flushes pending operations for one calendar. Single writer
// per calendar by contract; distinct calendars get distinct pipelines.
type Pipeline struct {
	client     *caldav.Client
	store      PendingStore
	applier    LocalApplier
	maxRetries int

	mu        sync.Mutex
	seq       int64
	seqInit   bool
	conflicts map[string]*model.PendingOperation
}

// NewPipeline creates a Pipeline. applier may be nil when the host
// resolves conflicts without a local store write-back.
func NewPipeline(client *caldav.Client, store PendingStore, applier LocalApplier) *Pipeline {
	return &Pipeline{
		client:     client,
		store:      store,
		applier:    applier,
		maxRetries: defaultMaxRetries,
		conflicts:  make(map[string]*model.PendingOperation),
	}
}

// Push flushes the queue in sequence order. Each uid has at most one
// live operation by construction, and operations run serially to keep
// causality with the server's ETag regime.
func (p *Pipeline) Push(ctx context.Context) *PushReport {
	start := time.Now()
	report := &PushReport{}

	ops, err := p.Pending()
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		report.Duration = time.Since(start)
		return report
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, "push cancelled")
			break
		}
		p.pushOne(ctx, op, report)
	}

	report.Duration = time.Since(start)
	return report
}

func (p *Pipeline) pushOne(ctx context.Context, op *model.PendingOperation, report *PushReport) {
	err := p.execute(ctx, op)
	switch {
	case err == nil:
		if removeErr := p.store.Remove(op.ID); removeErr != nil {
			log.Printf("push: completed op %s could not be removed: %v", op.ID, removeErr)
		}
		report.Pushed++

	case model.IsConflict(err):
		p.park(op, err)
		report.Conflicts++
		report.Errors = append(report.Errors, fmt.Sprintf("%s %s: conflict", op.Kind, op.EventUID()))

	case model.IsHTTPStatus(err, 404) && op.Kind == model.OpDelete:
		// Already gone on the server; local intent is satisfied.
		if removeErr := p.store.Remove(op.ID); removeErr != nil {
			log.Printf("push: tombstoned op %s could not be removed: %v", op.ID, removeErr)
		}
		report.Pushed++

	default:
		op.RetryCount++
		op.LastError = err.Error()
		if op.RetryCount > p.maxRetries {
			log.Printf("push: dropping op %s for %s after %d attempts: %v", op.ID, op.EventUID(), op.RetryCount, err)
			if dropErr := p.store.Drop(op.ID); dropErr != nil {
				log.Printf("push: failed op %s could not be dropped: %v", op.ID, dropErr)
			}
		} else {
			if repErr := p.store.Replace(op.ID, op); repErr != nil {
				log.Printf("push: failed op %s could not be updated: %v", op.ID, repErr)
			}
		}
		report.Failed++
		report.Errors = append(report.Errors, fmt.Sprintf("%s %s: %v", op.Kind, op.EventUID(), err))
	}
}

// execute performs the server call for one operation.
func (p *Pipeline) execute(ctx context.Context, op *model.PendingOperation) error {
	switch op.Kind {
	case model.OpCreate:
		href, etag, err := p.client.CreateEvent(ctx, op.CalendarURL, op.Event)
		if err != nil {
			return err
		}
		p.recordETag(op.Event.UID, href, etag)
		return nil

	case model.OpUpdate:
		href := op.Href
		if href == "" {
			var err error
			href, err = caldav.BuildEventURL(op.CalendarURL, op.Event.UID)
			if err != nil {
				return err
			}
		}
		etag, err := p.client.UpdateEvent(ctx, href, op.Event, op.BaseETag)
		if err != nil {
			return err
		}
		p.recordETag(op.Event.UID, href, etag)
		return nil

	case model.OpDelete:
		return p.client.DeleteEvent(ctx, op.Href, op.BaseETag)

	default:
		return model.NewArgumentError(fmt.Sprintf("unknown operation kind %d", op.Kind))
	}
}

func (p *Pipeline) recordETag(uid, href, etag string) {
	if p.applier == nil || etag == "" {
		return
	}
	if err := p.applier.RecordETag(uid, href, etag); err != nil {
		log.Printf("push: recording etag for %s: %v", uid, err)
	}
}

// park moves a 412-failed operation into the conflict queue, where it
// waits for an explicit ResolveConflict call.
func (p *Pipeline) park(op *model.PendingOperation, cause error) {
	op.LastError = cause.Error()
	p.mu.Lock()
	p.conflicts[op.ID] = op
	p.mu.Unlock()
	log.Printf("push: parked %s for %s pending conflict resolution", op.Kind, op.EventUID())
}

// Conflicts lists parked operations awaiting resolution.
func (p *Pipeline) Conflicts() []*model.PendingOperation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*model.PendingOperation, 0, len(p.conflicts))
	for _, op := range p.conflicts {
		out = append(out, op)
	}
	return out
}

func (p *Pipeline) takeConflict(opID string) (*model.PendingOperation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.conflicts[opID]
	if ok {
		delete(p.conflicts, opID)
	}
	return op, ok
}

func (p *Pipeline) reparkConflict(op *model.PendingOperation) {
	p.mu.Lock()
	p.conflicts[op.ID] = op
	p.mu.Unlock()
}
