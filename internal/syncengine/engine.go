// Package syncengine drives full and incremental synchronization of one
// calendar against its CalDAV collection. The incremental path is an
// explicit state machine so the two tricky recoveries — expired
// sync-token fall-back and parse-failure token retention — stay visible
// as transitions instead of being buried in conditionals.
package syncengine

import (
	"context"
	"log"
	"time"

	"github.com/calsync/caldavcore/internal/caldav"
	"github.com/calsync/caldavcore/internal/model"
)

// LocalEvent is one locally stored event with its last-known server
// ETag.
type LocalEvent struct {
	UID   string
	ETag  string
	Event model.Event
}

// LocalEventProvider supplies the current local view of a calendar.
// Pure read; the engine never writes through it.
type LocalEventProvider interface {
	GetLocalEvents(ctx context.Context, calendarURL string) ([]LocalEvent, error)
}

// HrefResolver is an optional extension of LocalEventProvider for hosts
// that index events by href: when an incremental report deletes an href
// the previous state never recorded, the engine falls back to this
// lookup before giving up on the tombstone.
type HrefResolver interface {
	UIDForHref(ctx context.Context, href string) (string, bool)
}

// SyncResultHandler applies changes to the local store. Calls must be
// idempotent: the engine may re-deliver a change after an interrupted
// sync.
type SyncResultHandler interface {
	UpsertEvent(event model.Event) error
	DeleteEvent(uid string) error
	RecordETag(uid, href, etag string) error
}

// SyncReport summarizes one sync run.
type SyncReport struct {
	CalendarURL string        `json:"calendar_url"`
	IsFullSync  bool          `json:"is_full_sync"`
	Success     bool          `json:"success"`
	HasErrors   bool          `json:"has_errors"`
	Cancelled   bool          `json:"cancelled"`
	Upserts     int           `json:"upserts"`
	Deletes     int           `json:"deletes"`
	// ParseFailures lists hrefs whose calendar-data could not be parsed
	// this run. Their presence retains the previous sync-token so the
	// next incremental sync re-attempts the same window.
	ParseFailures []string              `json:"parse_failures,omitempty"`
	Quarantined   []model.FailureRecord `json:"quarantined,omitempty"`
	Message       string                `json:"message,omitempty"`
	Duration      time.Duration         `json:"duration"`
	// NewState is the cursor to persist. On failure it is the previous
	// state unchanged; the host can persist it unconditionally.
	NewState *model.SyncState `json:"-"`
}

// phase enumerates the states of the incremental sync machine.
type phase int

const (
	phaseStart phase = iota
	phaseFullFetch
	phaseIncrementalReport
	phaseMultiget
	phaseDiff
	phaseFinalize
	phaseRetained
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseStart:
		return "start"
	case phaseFullFetch:
		return "full-fetch"
	case phaseIncrementalReport:
		return "incremental-report"
	case phaseMultiget:
		return "multiget"
	case phaseDiff:
		return "diff"
	case phaseFinalize:
		return "finalize"
	case phaseRetained:
		return "retained"
	default:
		return "done"
	}
}

// PhaseObserver is notified as the machine moves between phases; the
// activity tracker uses it to expose in-progress syncs.
type PhaseObserver func(calendarURL, phase string)

// Engine orchestrates syncs. One engine serves one calendar at a time:
// access to the SyncState it returns is serial by contract.
type Engine struct {
	client   *caldav.Client
	tracker  *model.FailureTracker
	observer PhaseObserver
}

// Options tunes engine construction.
type Options struct {
	// MaxParseRetries is the quarantine threshold for persistently
	// unparseable resources; zero means the default of 3.
	MaxParseRetries int
	// Tracker overrides the engine's failure tracker, letting the host
	// share one across engine restarts.
	Tracker *model.FailureTracker
	// Observer receives phase transitions.
	Observer PhaseObserver
}

// New creates an Engine on the given client.
func New(client *caldav.Client, opts Options) *Engine {
	tracker := opts.Tracker
	if tracker == nil {
		tracker = model.NewFailureTracker(opts.MaxParseRetries)
	}
	return &Engine{client: client, tracker: tracker, observer: opts.Observer}
}

// FailureTracker exposes the engine's quarantine state for operator
// inspection and explicit resets.
func (e *Engine) FailureTracker() *model.FailureTracker {
	return e.tracker
}

// SyncWithIncremental runs one sync of calendarURL against prev,
// preferring the RFC 6578 incremental path when prev carries a token.
// The returned report always includes the state to persist; the engine
// never mutates prev.
func (e *Engine) SyncWithIncremental(ctx context.Context, calendarURL string, prev *model.SyncState, provider LocalEventProvider, handler SyncResultHandler, forceFullSync bool) *SyncReport {
	start := time.Now()
	report := &SyncReport{CalendarURL: calendarURL, NewState: prev}

	var (
		current    = phaseStart
		serverFull []model.EventWithMetadata
		increment  *model.SyncResult
	)

	for current != phaseDone {
		if ctx.Err() != nil {
			report.Cancelled = true
			report.NewState = prev
			report.Duration = time.Since(start)
			return report
		}
		e.observe(calendarURL, current)

		switch current {
		case phaseStart:
			if forceFullSync || prev == nil || prev.SyncToken == "" {
				report.IsFullSync = true
				current = phaseFullFetch
			} else {
				current = phaseIncrementalReport
			}

		case phaseIncrementalReport:
			res, err := e.client.SyncCollection(ctx, calendarURL, prev.SyncToken)
			switch {
			case err == nil:
				increment = res
				if len(res.AddedHrefs) > 0 {
					current = phaseMultiget
				} else {
					current = phaseDiff
				}
			case model.IsTokenExpired(err):
				log.Printf("syncengine: sync-token expired for %s, falling back to full sync", calendarURL)
				report.IsFullSync = true
				current = phaseFullFetch
			case isParse(err):
				report.Message = err.Error()
				current = phaseRetained
			default:
				return e.fail(report, prev, err, start)
			}

		case phaseMultiget:
			if failed := e.runMultiget(ctx, calendarURL, increment, report); failed {
				current = phaseRetained
			} else {
				// Per-href parse failures do not abort the sync: the
				// survivors are applied and finalize retains the previous
				// token on their behalf.
				current = phaseDiff
			}

		case phaseFullFetch:
			events, err := e.client.FetchEvents(ctx, calendarURL, nil, nil)
			if err != nil {
				if isParse(err) {
					report.Message = err.Error()
					current = phaseRetained
					continue
				}
				return e.fail(report, prev, err, start)
			}
			serverFull = events
			current = phaseDiff

		case phaseDiff:
			var newState *model.SyncState
			var err error
			if report.IsFullSync {
				newState, err = e.applyFull(ctx, calendarURL, prev, serverFull, provider, handler, report)
			} else {
				newState, err = e.applyIncremental(ctx, calendarURL, prev, increment, provider, handler, report)
			}
			if err != nil {
				return e.fail(report, prev, err, start)
			}
			report.NewState = newState
			current = phaseFinalize

		case phaseFinalize:
			e.finalize(ctx, calendarURL, prev, increment, report)
			current = phaseDone

		case phaseRetained:
			// A parse failure at the report level: keep the previous
			// token so the next sync re-attempts the same window, and do
			// not advance any cursor.
			report.HasErrors = true
			report.NewState = prev
			current = phaseDone
		}
	}

	report.Success = !report.HasErrors
	report.Quarantined = e.tracker.Quarantined()
	report.Duration = time.Since(start)
	return report
}

// runMultiget fetches the report's etag-only hrefs, isolating parse
// failures per href when the batch as a whole fails. Returns true only
// when the phase failed irrecoverably (network or HTTP), never for
// per-href parse failures — those are recorded and the sync continues.
func (e *Engine) runMultiget(ctx context.Context, calendarURL string, increment *model.SyncResult, report *SyncReport) bool {
	hrefs := make([]string, 0, len(increment.AddedHrefs))
	etagByHref := make(map[string]string, len(increment.AddedHrefs))
	for _, rh := range increment.AddedHrefs {
		if e.tracker.IsQuarantined(rh.Href, rh.ETag) {
			log.Printf("syncengine: skipping quarantined resource %s", rh.Href)
			continue
		}
		hrefs = append(hrefs, rh.Href)
		etagByHref[rh.Href] = rh.ETag
	}
	if len(hrefs) == 0 {
		return false
	}

	events, err := e.client.FetchEventsByHref(ctx, calendarURL, hrefs)
	if err == nil {
		resolved := make(map[string]bool, len(events))
		for _, ewm := range events {
			resolved[ewm.Href] = true
			increment.Added = append(increment.Added, ewm)
		}
		// Entries the batch skipped are either unparseable or vanished;
		// settle each one individually.
		for _, href := range hrefs {
			if !resolved[href] {
				e.settleUnresolved(ctx, href, etagByHref[href], increment, report)
			}
		}
		return false
	}
	if !isParse(err) {
		// Network or HTTP failure: nothing to isolate, the sync fails.
		report.Message = err.Error()
		report.HasErrors = true
		return true
	}

	// The batch failed at the XML level. Retry each href individually to
	// isolate the offender; survivors are applied.
	log.Printf("syncengine: multiget batch failed for %s, isolating per href: %v", calendarURL, err)
	for _, href := range hrefs {
		single, err := e.client.FetchEventsByHref(ctx, calendarURL, []string{href})
		switch {
		case err == nil && len(single) > 0:
			increment.Added = append(increment.Added, single[0])
		case err != nil:
			e.recordParseFailure(report, href, etagByHref[href], err.Error())
		default:
			e.settleUnresolved(ctx, href, etagByHref[href], increment, report)
		}
	}
	return false
}

// settleUnresolved decides what an empty multiget answer for one href
// means: the resource vanished between report and multiget (treat as a
// deletion so the cursor can advance), or its calendar-data does not
// parse (record the failure, which retains the token).
func (e *Engine) settleUnresolved(ctx context.Context, href, etag string, increment *model.SyncResult, report *SyncReport) {
	if _, err := e.client.GetEventETag(ctx, href); model.IsHTTPStatus(err, 404) {
		increment.Deleted = append(increment.Deleted, href)
		return
	}
	e.recordParseFailure(report, href, etag, "calendar-data failed to parse")
}

func (e *Engine) recordParseFailure(report *SyncReport, href, etag, msg string) {
	report.ParseFailures = append(report.ParseFailures, href)
	count := e.tracker.RecordFailure(href, etag, msg)
	log.Printf("syncengine: parse failure for %s (count %d): %s", href, count, msg)
}

// fail finishes the report for an unrecoverable subcall failure.
func (e *Engine) fail(report *SyncReport, prev *model.SyncState, err error, start time.Time) *SyncReport {
	report.HasErrors = true
	report.Success = false
	report.Message = err.Error()
	report.NewState = prev
	report.Duration = time.Since(start)
	return report
}

// finalize refreshes the collection cursor on the freshly applied
// state.
func (e *Engine) finalize(ctx context.Context, calendarURL string, prev *model.SyncState, increment *model.SyncResult, report *SyncReport) {
	state := report.NewState

	if ctag, err := e.client.GetCTag(ctx, calendarURL); err == nil && ctag != "" {
		state.CTag = ctag
	}

	switch {
	case len(report.ParseFailures) > 0 && prev != nil:
		// Parse failures retain the previous token so the failed window
		// is re-attempted.
		state.SyncToken = prev.SyncToken
		report.HasErrors = true
	case !report.IsFullSync && increment != nil && increment.NewSyncToken != "":
		state.SyncToken = increment.NewSyncToken
	default:
		if token, err := e.client.GetSyncToken(ctx, calendarURL); err == nil {
			state.SyncToken = token
		}
	}
	state.LastSync = time.Now()
}

func (e *Engine) observe(calendarURL string, p phase) {
	if e.observer != nil {
		e.observer(calendarURL, p.String())
	}
}

func isParse(err error) bool {
	de, ok := model.AsDavError(err)
	return ok && de.Kind == model.FailureParse
}
