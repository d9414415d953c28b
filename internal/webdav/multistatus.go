package webdav

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/calsync/caldavcore/internal/model"
	"github.com/calsync/caldavcore/internal/quirks"
)

// XML namespaces used across WebDAV and CalDAV bodies.
const (
	NamespaceDAV            = "DAV:"
	NamespaceCalDAV         = "urn:ietf:params:xml:ns:caldav"
	NamespaceCalendarServer = "http://calendarserver.org/ns/"
)

// Property is one parsed property leaf: the raw inner XML for structured
// values (resourcetype) and the normalized text for text leaves.
type Property struct {
	Name xml.Name
	Raw  string
	Text string
}

// PropStat groups the properties that share one status code inside a
// multistatus response element.
type PropStat struct {
	Status int
	Props  map[xml.Name]Property
}

// Response is a single <response> element of a multistatus body.
type Response struct {
	Href string
	// Status is the resource-level status (the tombstone form used by
	// sync-collection for deletions), zero when the element carries
	// propstats instead.
	Status    int
	PropStats []PropStat
}

// Multistatus is the parsed body of a 207 response.
type Multistatus struct {
	Responses []Response
	SyncToken string
}

// Prop returns the named property from the first propstat whose status
// is 200 or absent, looking it up namespace-tolerantly per the quirk
// profile.
func (r *Response) Prop(name xml.Name, q quirks.Profile) (Property, bool) {
	for _, ps := range r.PropStats {
		if ps.Status != 0 && ps.Status != 200 {
			continue
		}
		if p, ok := ps.Props[name]; ok {
			return p, true
		}
		if q.TolerateMissingDAVPrefix && name.Space == NamespaceDAV {
			if p, ok := ps.Props[xml.Name{Local: name.Local}]; ok {
				return p, true
			}
		}
	}
	return Property{}, false
}

// NotFound reports whether the response element carries a 404 or 410
// status, either at the resource level or as its only propstat.
func (r *Response) NotFound() bool {
	if r.Status == 404 || r.Status == 410 {
		return true
	}
	if len(r.PropStats) == 0 {
		return false
	}
	for _, ps := range r.PropStats {
		if ps.Status != 404 && ps.Status != 410 {
			return false
		}
	}
	return true
}

// Wire shapes for decoding. Elements are matched by local name so that
// responses using a default namespace instead of a DAV: prefix still
// decode; the namespace check happens afterwards against the quirk
// profile.
type rawMultistatus struct {
	XMLName   xml.Name      `xml:"multistatus"`
	Responses []rawResponse `xml:"response"`
	SyncToken string        `xml:"sync-token"`
}

type rawResponse struct {
	Href      string        `xml:"href"`
	Status    string        `xml:"status"`
	PropStats []rawPropStat `xml:"propstat"`
}

type rawPropStat struct {
	Status string  `xml:"status"`
	Prop   rawProp `xml:"prop"`
}

type rawProp struct {
	Any []rawProperty `xml:",any"`
}

type rawProperty struct {
	XMLName xml.Name
	Inner   string `xml:",innerxml"`
	Text    string `xml:",chardata"`
}

// ParseMultistatus decodes a 207 body into the tolerant in-memory form.
func ParseMultistatus(body []byte, q quirks.Profile) (*Multistatus, error) {
	var raw rawMultistatus
	if err := xml.Unmarshal(body, &raw); err != nil {
		return nil, model.NewParseError("malformed multistatus body", err)
	}

	ms := &Multistatus{SyncToken: strings.TrimSpace(raw.SyncToken)}
	for _, rr := range raw.Responses {
		resp := Response{
			Href:   strings.TrimSpace(rr.Href),
			Status: parseStatusLine(rr.Status),
		}
		for _, rps := range rr.PropStats {
			ps := PropStat{
				Status: parseStatusLine(rps.Status),
				Props:  make(map[xml.Name]Property, len(rps.Prop.Any)),
			}
			for _, rp := range rps.Prop.Any {
				name := rp.XMLName
				if q.TolerateMissingDAVPrefix && name.Space == "" {
					name.Space = NamespaceDAV
				}
				text := strings.TrimSpace(rp.Text)
				if q.UnwrapCDATA {
					text = unwrapCDATA(text)
				}
				ps.Props[name] = Property{Name: name, Raw: rp.Inner, Text: text}
			}
			resp.PropStats = append(resp.PropStats, ps)
		}
		ms.Responses = append(ms.Responses, resp)
	}
	return ms, nil
}

// parseStatusLine extracts the numeric code from "HTTP/1.1 404 Not
// Found". Returns 0 for empty or unrecognizable input.
func parseStatusLine(line string) int {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0
	}
	fields := strings.Fields(line)
	for _, f := range fields {
		if code, err := strconv.Atoi(f); err == nil && code >= 100 && code < 600 {
			return code
		}
	}
	return 0
}

// unwrapCDATA strips a literal CDATA wrapper some servers leave in text
// leaves. The XML decoder already handles well-formed CDATA; this covers
// the doubly-wrapped form.
func unwrapCDATA(s string) string {
	const prefix, suffix = "<![CDATA[", "]]>"
	if strings.HasPrefix(s, prefix) && strings.HasSuffix(s, suffix) {
		return strings.TrimSpace(s[len(prefix) : len(s)-len(suffix)])
	}
	return s
}
