// Package ical adapts the RFC 5545 codec (emersion/go-ical) to the
// event model: parse turns wire text into events, generate turns an
// event back into a VCALENDAR body. Recurrence rules are round-tripped
// as text but validated on ingest so malformed RRULEs surface as parse
// failures instead of being stored silently.
package ical

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	goical "github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/calsync/caldavcore/internal/model"
)

const prodID = "-//calsync//caldavcore//EN"

const (
	layoutDate        = "20060102"
	layoutDateTime    = "20060102T150405"
	layoutDateTimeUTC = "20060102T150405Z"
)

// Parse decodes a VCALENDAR body into the events it contains. A body
// with no VEVENT yields an empty slice. A VEVENT that violates the data
// model (or carries an invalid RRULE) fails the whole parse: the caller
// treats the resource as malformed.
func Parse(text string) ([]model.Event, error) {
	dec := goical.NewDecoder(strings.NewReader(text))
	cal, err := dec.Decode()
	if err != nil {
		return nil, model.NewParseError("decoding icalendar", err)
	}

	var events []model.Event
	for _, comp := range cal.Children {
		if comp.Name != goical.CompEvent {
			continue
		}
		ev, err := parseEvent(comp)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, nil
}

// Generate encodes an event as a standalone VCALENDAR body.
func Generate(e *model.Event) (string, error) {
	if err := e.Validate(); err != nil {
		return "", model.NewArgumentError(err.Error())
	}
	if e.RecurrenceRule != "" {
		if _, err := rrule.StrToRRule(e.RecurrenceRule); err != nil {
			return "", model.NewArgumentError(fmt.Sprintf("invalid rrule %q: %v", e.RecurrenceRule, err))
		}
	}

	cal := goical.NewCalendar()
	cal.Props.SetText(goical.PropVersion, "2.0")
	cal.Props.SetText(goical.PropProductID, prodID)

	comp := goical.NewComponent(goical.CompEvent)
	// Non-text values go on the wire verbatim: Props.SetText would tag
	// them VALUE=TEXT and backslash-escape their separators.
	setRaw := func(props goical.Props, name, value string) {
		p := goical.NewProp(name)
		p.Value = value
		props.Add(p)
	}
	comp.Props.SetText(goical.PropUID, e.UID)
	setDateTimeProp(comp, goical.PropDateTimeStart, e.Start)
	if e.End != nil {
		setDateTimeProp(comp, goical.PropDateTimeEnd, *e.End)
	}
	if e.Duration != nil {
		setRaw(comp.Props, goical.PropDuration, encodeDuration(*e.Duration))
	}
	if e.Summary != "" {
		comp.Props.SetText(goical.PropSummary, e.Summary)
	}
	if e.Description != "" {
		comp.Props.SetText(goical.PropDescription, e.Description)
	}
	if e.Location != "" {
		comp.Props.SetText(goical.PropLocation, e.Location)
	}
	if e.Status != "" {
		comp.Props.SetText(goical.PropStatus, strings.ToUpper(string(e.Status)))
	}
	if e.Transparency != "" {
		comp.Props.SetText(goical.PropTransparency, strings.ToUpper(string(e.Transparency)))
	}
	if e.Sequence > 0 {
		setRaw(comp.Props, goical.PropSequence, strconv.Itoa(e.Sequence))
	}
	if e.RecurrenceRule != "" {
		setRaw(comp.Props, goical.PropRecurrenceRule, e.RecurrenceRule)
	}
	for _, ex := range e.ExceptionDates {
		p := goical.NewProp(goical.PropExceptionDates)
		applyDateTimeValue(p, ex)
		comp.Props.Add(p)
	}
	if e.RecurrenceID != nil {
		p := goical.NewProp(goical.PropRecurrenceID)
		applyDateTimeValue(p, *e.RecurrenceID)
		comp.Props.Add(p)
	}
	if len(e.Categories) > 0 {
		setRaw(comp.Props, goical.PropCategories, strings.Join(e.Categories, ","))
	}
	if e.Organizer != nil {
		comp.Props.Add(attendeeProp(goical.PropOrganizer, *e.Organizer))
	}
	for _, att := range e.Attendees {
		comp.Props.Add(attendeeProp(goical.PropAttendee, att))
	}
	if e.Color != "" {
		comp.Props.SetText(goical.PropColor, e.Color)
	}
	if e.URL != "" {
		setRaw(comp.Props, goical.PropURL, e.URL)
	}

	dtstamp := e.DTStamp
	if dtstamp.IsZero() {
		dtstamp = time.Now().UTC()
	}
	setRaw(comp.Props, goical.PropDateTimeStamp, dtstamp.UTC().Format(layoutDateTimeUTC))
	if !e.LastModified.IsZero() {
		setRaw(comp.Props, goical.PropLastModified, e.LastModified.UTC().Format(layoutDateTimeUTC))
	}
	if !e.Created.IsZero() {
		setRaw(comp.Props, goical.PropCreated, e.Created.UTC().Format(layoutDateTimeUTC))
	}

	for _, alarm := range e.Alarms {
		va := goical.NewComponent(goical.CompAlarm)
		va.Props.SetText(goical.PropAction, alarm.Action)
		setRaw(va.Props, goical.PropTrigger, alarm.Trigger)
		if alarm.Description != "" {
			va.Props.SetText(goical.PropDescription, alarm.Description)
		}
		comp.Children = append(comp.Children, va)
	}

	for name, value := range e.Extensions {
		comp.Props.SetText(name, value)
	}

	cal.Children = append(cal.Children, comp)

	var buf bytes.Buffer
	if err := goical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", model.NewParseError("encoding icalendar", err)
	}
	return buf.String(), nil
}

func parseEvent(comp *goical.Component) (*model.Event, error) {
	e := &model.Event{Extensions: make(map[string]string)}

	for name, props := range comp.Props {
		for i := range props {
			prop := &props[i]
			if err := applyProp(e, name, prop); err != nil {
				return nil, err
			}
		}
	}

	for _, child := range comp.Children {
		if child.Name != goical.CompAlarm {
			continue
		}
		alarm := model.Alarm{}
		if p := child.Props.Get(goical.PropAction); p != nil {
			alarm.Action = p.Value
		}
		if p := child.Props.Get(goical.PropTrigger); p != nil {
			alarm.Trigger = p.Value
		}
		if p := child.Props.Get(goical.PropDescription); p != nil {
			alarm.Description = p.Value
		}
		e.Alarms = append(e.Alarms, alarm)
	}

	if len(e.Extensions) == 0 {
		e.Extensions = nil
	}
	if e.Start.Kind == model.DateOnly {
		e.AllDay = true
	}
	if err := e.Validate(); err != nil {
		return nil, model.NewParseError("event fails validation", err)
	}
	return e, nil
}

func applyProp(e *model.Event, name string, prop *goical.Prop) error {
	switch name {
	case goical.PropUID:
		e.UID = prop.Value
	case goical.PropSummary:
		e.Summary = prop.Value
	case goical.PropDescription:
		e.Description = prop.Value
	case goical.PropLocation:
		e.Location = prop.Value
	case goical.PropStatus:
		e.Status = model.EventStatus(strings.ToLower(prop.Value))
	case goical.PropTransparency:
		e.Transparency = model.Transparency(strings.ToLower(prop.Value))
	case goical.PropSequence:
		seq, err := strconv.Atoi(prop.Value)
		if err != nil {
			return model.NewParseError(fmt.Sprintf("invalid sequence %q", prop.Value), err)
		}
		e.Sequence = seq
	case goical.PropDateTimeStart:
		dt, err := parseDateTimeProp(prop)
		if err != nil {
			return err
		}
		e.Start = dt
	case goical.PropDateTimeEnd:
		dt, err := parseDateTimeProp(prop)
		if err != nil {
			return err
		}
		e.End = &dt
	case goical.PropDuration:
		d, err := parseDuration(prop.Value)
		if err != nil {
			return model.NewParseError(fmt.Sprintf("invalid duration %q", prop.Value), err)
		}
		e.Duration = &d
	case goical.PropRecurrenceRule:
		if _, err := rrule.StrToRRule(prop.Value); err != nil {
			return model.NewParseError(fmt.Sprintf("invalid rrule %q", prop.Value), err)
		}
		e.RecurrenceRule = prop.Value
	case goical.PropExceptionDates:
		// EXDATE allows a comma-separated value list.
		for _, v := range strings.Split(prop.Value, ",") {
			single := *prop
			single.Value = v
			dt, err := parseDateTimeProp(&single)
			if err != nil {
				return err
			}
			e.ExceptionDates = append(e.ExceptionDates, dt)
		}
	case goical.PropRecurrenceID:
		dt, err := parseDateTimeProp(prop)
		if err != nil {
			return err
		}
		e.RecurrenceID = &dt
	case goical.PropCategories:
		for _, c := range strings.Split(prop.Value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				e.Categories = append(e.Categories, c)
			}
		}
	case goical.PropOrganizer:
		att := parseAttendee(prop)
		e.Organizer = &att
	case goical.PropAttendee:
		e.Attendees = append(e.Attendees, parseAttendee(prop))
	case goical.PropColor:
		e.Color = prop.Value
	case goical.PropURL:
		e.URL = prop.Value
	case goical.PropDateTimeStamp:
		if t, err := parseUTCTimestamp(prop.Value); err == nil {
			e.DTStamp = t
		}
	case goical.PropLastModified:
		if t, err := parseUTCTimestamp(prop.Value); err == nil {
			e.LastModified = t
		}
	case goical.PropCreated:
		if t, err := parseUTCTimestamp(prop.Value); err == nil {
			e.Created = t
		}
	default:
		if strings.HasPrefix(name, "X-") {
			e.Extensions[name] = prop.Value
		}
		// Unrecognized non-extension properties are dropped.
	}
	return nil
}

func parseAttendee(prop *goical.Prop) model.Attendee {
	att := model.Attendee{
		Email:    strings.TrimPrefix(strings.TrimPrefix(prop.Value, "mailto:"), "MAILTO:"),
		Name:     prop.Params.Get(goical.ParamCommonName),
		Role:     prop.Params.Get(goical.ParamRole),
		PartStat: prop.Params.Get(goical.ParamParticipationStatus),
	}
	return att
}

func attendeeProp(name string, att model.Attendee) *goical.Prop {
	p := goical.NewProp(name)
	p.Value = "mailto:" + att.Email
	if att.Name != "" {
		p.Params.Set(goical.ParamCommonName, att.Name)
	}
	if att.Role != "" {
		p.Params.Set(goical.ParamRole, att.Role)
	}
	if att.PartStat != "" {
		p.Params.Set(goical.ParamParticipationStatus, att.PartStat)
	}
	return p
}

// parseDateTimeProp decodes DATE and DATE-TIME values, preserving which
// of the four wire forms the value used.
func parseDateTimeProp(prop *goical.Prop) (model.EventDateTime, error) {
	v := strings.TrimSpace(prop.Value)

	if prop.Params.Get(goical.ParamValue) == "DATE" || len(v) == len(layoutDate) {
		t, err := time.Parse(layoutDate, v)
		if err != nil {
			return model.EventDateTime{}, model.NewParseError(fmt.Sprintf("invalid date %q", v), err)
		}
		return model.EventDateTime{Kind: model.DateOnly, Time: t}, nil
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse(layoutDateTimeUTC, v)
		if err != nil {
			return model.EventDateTime{}, model.NewParseError(fmt.Sprintf("invalid utc date-time %q", v), err)
		}
		return model.EventDateTime{Kind: model.UTC, Time: t}, nil
	}

	if tzid := prop.Params.Get(goical.ParamTimezoneID); tzid != "" {
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			// Unknown zone name: keep the wall time and the name so the
			// value still round-trips.
			loc = time.UTC
		}
		t, err := time.ParseInLocation(layoutDateTime, v, loc)
		if err != nil {
			return model.EventDateTime{}, model.NewParseError(fmt.Sprintf("invalid zoned date-time %q", v), err)
		}
		return model.EventDateTime{Kind: model.Zoned, Time: t, TimeZone: tzid}, nil
	}

	t, err := time.Parse(layoutDateTime, v)
	if err != nil {
		return model.EventDateTime{}, model.NewParseError(fmt.Sprintf("invalid date-time %q", v), err)
	}
	return model.EventDateTime{Kind: model.Floating, Time: t}, nil
}

func setDateTimeProp(comp *goical.Component, name string, dt model.EventDateTime) {
	p := goical.NewProp(name)
	applyDateTimeValue(p, dt)
	comp.Props.Add(p)
}

func applyDateTimeValue(p *goical.Prop, dt model.EventDateTime) {
	switch dt.Kind {
	case model.DateOnly:
		p.Value = dt.Time.Format(layoutDate)
		p.Params.Set(goical.ParamValue, "DATE")
	case model.UTC:
		p.Value = dt.Time.UTC().Format(layoutDateTimeUTC)
	case model.Zoned:
		p.Value = dt.Time.Format(layoutDateTime)
		p.Params.Set(goical.ParamTimezoneID, dt.TimeZone)
	default:
		p.Value = dt.Time.Format(layoutDateTime)
	}
}

func parseUTCTimestamp(v string) (time.Time, error) {
	return time.Parse(layoutDateTimeUTC, strings.TrimSpace(v))
}

// parseDuration decodes the RFC 5545 duration grammar (the subset that
// appears on VEVENTs): [+-]P[nW][nD][T[nH][nM][nS]].
func parseDuration(v string) (time.Duration, error) {
	s := strings.TrimSpace(v)
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("missing P designator")
	}
	s = s[1:]

	var d time.Duration
	inTime := false
	num := 0
	haveNum := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			num = num*10 + int(r-'0')
			haveNum = true
		case r == 'T':
			inTime = true
		case r == 'W' && !inTime:
			d += time.Duration(num) * 7 * 24 * time.Hour
			num, haveNum = 0, false
		case r == 'D' && !inTime:
			d += time.Duration(num) * 24 * time.Hour
			num, haveNum = 0, false
		case r == 'H' && inTime:
			d += time.Duration(num) * time.Hour
			num, haveNum = 0, false
		case r == 'M' && inTime:
			d += time.Duration(num) * time.Minute
			num, haveNum = 0, false
		case r == 'S' && inTime:
			d += time.Duration(num) * time.Second
			num, haveNum = 0, false
		default:
			return 0, fmt.Errorf("unexpected %q", r)
		}
	}
	if haveNum {
		return 0, fmt.Errorf("trailing number without designator")
	}
	if neg {
		d = -d
	}
	return d, nil
}

// encodeDuration emits the RFC 5545 form of d.
func encodeDuration(d time.Duration) string {
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteByte('P')

	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if hours > 0 || minutes > 0 || seconds > 0 || days == 0 {
		b.WriteByte('T')
		if hours > 0 {
			fmt.Fprintf(&b, "%dH", hours)
		}
		if minutes > 0 {
			fmt.Fprintf(&b, "%dM", minutes)
		}
		if seconds > 0 || (hours == 0 && minutes == 0) {
			fmt.Fprintf(&b, "%dS", seconds)
		}
	}
	return b.String()
}
