package webdav

import (
	"fmt"
	"strings"
)

// PropName names one property to request in a PROPFIND, by namespace and
// local name.
type PropName struct {
	Space string
	Local string
}

// Well-known property names.
var (
	PropCurrentUserPrincipal = PropName{NamespaceDAV, "current-user-principal"}
	PropCalendarHomeSet      = PropName{NamespaceCalDAV, "calendar-home-set"}
	PropResourceType         = PropName{NamespaceDAV, "resourcetype"}
	PropDisplayName          = PropName{NamespaceDAV, "displayname"}
	PropGetETag              = PropName{NamespaceDAV, "getetag"}
	PropSyncToken            = PropName{NamespaceDAV, "sync-token"}
	PropGetCTag              = PropName{NamespaceCalendarServer, "getctag"}
	PropCalendarColor        = PropName{"http://apple.com/ns/ical/", "calendar-color"}
	PropSupportedComponents  = PropName{NamespaceCalDAV, "supported-calendar-component-set"}
	PropCalendarData         = PropName{NamespaceCalDAV, "calendar-data"}
)

// prefix maps a namespace to the prefix the request bodies declare at
// the root. DAV: is the default namespace.
func prefix(space string) string {
	switch space {
	case NamespaceDAV:
		return ""
	case NamespaceCalDAV:
		return "C:"
	case NamespaceCalendarServer:
		return "CS:"
	case "http://apple.com/ns/ical/":
		return "A:"
	default:
		return ""
	}
}

const xmlHeader = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

const rootNamespaces = `xmlns="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav" xmlns:CS="http://calendarserver.org/ns/" xmlns:A="http://apple.com/ns/ical/"`

// BuildPropfindBody emits a propfind body requesting the named
// properties.
func BuildPropfindBody(props []PropName) string {
	var b strings.Builder
	b.WriteString(xmlHeader)
	fmt.Fprintf(&b, "<propfind %s>\n  <prop>\n", rootNamespaces)
	for _, p := range props {
		fmt.Fprintf(&b, "    <%s%s/>\n", prefix(p.Space), p.Local)
	}
	b.WriteString("  </prop>\n</propfind>\n")
	return b.String()
}

// BuildMkCalendarBody emits an MKCALENDAR body with display properties.
func BuildMkCalendarBody(displayName, description string) string {
	var b strings.Builder
	b.WriteString(xmlHeader)
	fmt.Fprintf(&b, "<C:mkcalendar %s>\n  <set>\n    <prop>\n", rootNamespaces)
	if displayName != "" {
		fmt.Fprintf(&b, "      <displayname>%s</displayname>\n", EscapeXML(displayName))
	}
	if description != "" {
		fmt.Fprintf(&b, "      <C:calendar-description>%s</C:calendar-description>\n", EscapeXML(description))
	}
	b.WriteString("    </prop>\n  </set>\n</C:mkcalendar>\n")
	return b.String()
}

// EscapeXML escapes the five XML metacharacters in a text value.
func EscapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	return s
}
