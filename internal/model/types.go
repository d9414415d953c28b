// Package model defines the data types shared by the WebDAV adapter, the
// CalDAV client, the sync engine, and the push pipeline: events, resource
// identity, sync cursors, and pending local operations.
package model

import (
	"errors"
	"fmt"
	"time"
)

// EventStatus is the confirmation state of an Event.
type EventStatus string

const (
	StatusTentative EventStatus = "tentative"
	StatusConfirmed EventStatus = "confirmed"
	StatusCancelled EventStatus = "cancelled"
)

// Transparency controls whether an Event blocks free/busy time.
type Transparency string

const (
	TransparencyOpaque      Transparency = "opaque"
	TransparencyTransparent Transparency = "transparent"
)

// DateTimeKind distinguishes the four ways a CalDAV date-time value can be
// expressed on the wire.
type DateTimeKind int

const (
	// DateOnly is a bare DATE value (VALUE=DATE), used for all-day events.
	DateOnly DateTimeKind = iota
	// UTC is a DATE-TIME value ending in "Z".
	UTC
	// Zoned is a DATE-TIME value qualified by a TZID parameter.
	Zoned
	// Floating is a DATE-TIME value with no UTC designator or TZID.
	Floating
)

// EventDateTime is a single CalDAV date or date-time value, preserving
// enough information to round-trip through the iCal codec unchanged.
type EventDateTime struct {
	Kind DateTimeKind
	// Time holds the wall-clock value. For Kind==UTC it is in UTC; for
	// Kind==Zoned it is the local wall time in TimeZone; for Kind==Floating
	// it has no meaningful zone; for Kind==DateOnly only the date fields
	// matter.
	Time time.Time
	// TimeZone is the IANA zone name, set only when Kind==Zoned.
	TimeZone string
}

// IsZero reports whether the value was never set.
func (dt EventDateTime) IsZero() bool {
	return dt.Time.IsZero() && dt.TimeZone == ""
}

// Before reports whether dt occurs strictly before other, comparing the
// underlying instants. DateOnly values compare by calendar date. When
// either side is Floating there is no instant to compare, so both sides
// compare by wall-clock reading.
func (dt EventDateTime) Before(other EventDateTime) bool {
	if dt.Kind == Floating || other.Kind == Floating {
		_, offA := dt.Time.Zone()
		_, offB := other.Time.Zone()
		return dt.Time.Add(time.Duration(offA) * time.Second).Before(other.Time.Add(time.Duration(offB) * time.Second))
	}
	return dt.Time.Before(other.Time)
}

// Alarm is a VALARM sub-component, round-tripped opaquely beyond its
// action and trigger.
type Alarm struct {
	Action      string
	Trigger     string
	Description string
}

// Attendee is an ATTENDEE or ORGANIZER property.
type Attendee struct {
	Email    string
	Name     string
	Role     string
	PartStat string
}

// Event is the in-memory representation of a VEVENT.
type Event struct {
	UID          string
	Summary      string
	Description  string
	Location     string
	Status       EventStatus
	Transparency Transparency
	// Sequence never decreases for a given UID without a fresh create.
	Sequence int

	Start EventDateTime
	// End and Duration are mutually exclusive: at most one is the source
	// of truth for a timed event's extent.
	End      *EventDateTime
	Duration *time.Duration
	AllDay   bool

	RecurrenceRule string
	ExceptionDates []EventDateTime
	RecurrenceID   *EventDateTime

	Alarms     []Alarm
	Categories []string
	Organizer  *Attendee
	Attendees  []Attendee
	Color      string

	DTStamp      time.Time
	LastModified time.Time
	Created      time.Time
	URL          string

	// Extensions carries unrecognized/vendor properties verbatim so they
	// survive a parse/generate round-trip even though this model doesn't
	// interpret them.
	Extensions map[string]string
}

var (
	// ErrInvalidEvent reports that an Event violates a data-model invariant.
	ErrInvalidEvent = errors.New("invalid event")
)

// Validate checks the data-model invariants. It is called by the iCal
// codec adapter after parsing and by callers before handing a locally
// constructed Event to the push pipeline.
func (e *Event) Validate() error {
	if e.UID == "" {
		return fmt.Errorf("%w: uid is required", ErrInvalidEvent)
	}
	if e.Sequence < 0 {
		return fmt.Errorf("%w: sequence must be non-negative", ErrInvalidEvent)
	}
	if e.End != nil && e.Duration != nil {
		return fmt.Errorf("%w: dtend and duration are mutually exclusive", ErrInvalidEvent)
	}
	if e.End != nil && e.End.Before(e.Start) {
		return fmt.Errorf("%w: dtend precedes dtstart", ErrInvalidEvent)
	}
	if e.AllDay {
		if e.Start.Kind != DateOnly {
			return fmt.Errorf("%w: all-day event must have a date-only dtstart", ErrInvalidEvent)
		}
		if e.End != nil && e.End.Kind != DateOnly {
			return fmt.Errorf("%w: all-day event must have a date-only dtend", ErrInvalidEvent)
		}
	}
	switch e.Status {
	case "", StatusTentative, StatusConfirmed, StatusCancelled:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status)
	}
	switch e.Transparency {
	case "", TransparencyOpaque, TransparencyTransparent:
	default:
		return fmt.Errorf("%w: unknown transparency %q", ErrInvalidEvent, e.Transparency)
	}
	return nil
}

// ResourceHref is a (href, etag) pair addressing a single CalDAV resource.
// Equality is by href alone; the etag is version metadata.
type ResourceHref struct {
	Href string
	ETag string
}

// Equal compares two ResourceHrefs by href, ignoring ETag.
func (r ResourceHref) Equal(other ResourceHref) bool {
	return r.Href == other.Href
}

// EventWithMetadata pairs an Event with the href that addresses it on the
// server. The href is authoritative for addressing; Event.UID is
// authoritative for identity. Both must be preserved through round-trips.
type EventWithMetadata struct {
	Href  string
	ETag  string
	Event Event
}
