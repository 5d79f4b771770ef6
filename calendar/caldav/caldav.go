// Package caldav implements the CalDAV provider adapter (also used for
// Nextcloud). Credentials are static basic-auth pairs; discovery uses
// PROPFIND, event queries use REPORT calendar-query, and event bodies are
// iCalendar documents handled with github.com/emersion/go-ical.
package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/bookwright/bookwright/calendar"
)

// caldavTimeFormat is the basic iCalendar UTC stamp used in time-range filters.
const caldavTimeFormat = "20060102T150405Z"

// Provider is the CalDAV adapter. The zero value with a name is usable; the
// server location and credentials come from the stored integration.
type Provider struct {
	name string

	// HTTPClient is overridable for tests; defaults to a client with a sane
	// timeout since CalDAV servers are often self-hosted and slow.
	HTTPClient *http.Client
}

// New builds a CalDAV adapter registered under the given provider name
// (calendar.ProviderCalDAV or calendar.ProviderNextcloud share the protocol).
func New(name string) *Provider {
	return &Provider{name: name}
}

func (p *Provider) Name() string          { return p.name }
func (p *Provider) SupportsRefresh() bool { return false }

// AuthorizationURL is not part of the CalDAV model; connections are created
// with stored basic-auth credentials instead of a redirect flow.
func (p *Provider) AuthorizationURL(state, redirectURI string, scopes []string) (string, error) {
	return "", calendar.Errf(p.name, calendar.KindUnsupported, "caldav uses static credentials, not an authorization flow")
}

func (p *Provider) ExchangeCode(ctx context.Context, code, redirectURI string) (*calendar.Tokens, error) {
	return nil, calendar.Errf(p.name, calendar.KindUnsupported, "caldav uses static credentials, not an authorization flow")
}

func (p *Provider) Refresh(ctx context.Context, creds calendar.Credentials) (*calendar.Tokens, error) {
	return nil, calendar.Errf(p.name, calendar.KindUnsupported, "static credentials cannot be refreshed")
}

func (p *Provider) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (p *Provider) do(ctx context.Context, creds calendar.Credentials, method, target string, headers map[string]string, body string) (*http.Response, error) {
	if creds.BaseURL == "" {
		return nil, calendar.Errf(p.name, calendar.KindInvalidPayload, "integration has no base url")
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, calendar.WrapErr(p.name, calendar.KindUnknown, err, "request build failed")
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client().Do(req)
	if err != nil {
		kind := calendar.Classify(err)
		if kind == calendar.KindUnknown {
			kind = calendar.KindNetwork
		}
		return nil, calendar.WrapErr(p.name, kind, err, "caldav request failed")
	}
	return resp, nil
}

func (p *Provider) statusErr(resp *http.Response, op string) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return calendar.Errf(p.name, classifyStatus(resp.StatusCode), "%s returned %s: %s", op, resp.Status, snippet)
}

func classifyStatus(code int) calendar.Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return calendar.KindAuthentication
	case code == http.StatusNotFound:
		return calendar.KindNotFound
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return calendar.KindTimeout
	case code >= 500:
		return calendar.KindNetwork
	default:
		return calendar.KindUnknown
	}
}

// multistatus is the WebDAV 207 response envelope shared by PROPFIND and
// REPORT.
type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href     string     `xml:"href"`
	Propstat []propstat `xml:"propstat"`
}

type propstat struct {
	Status string  `xml:"status"`
	Prop   davProp `xml:"prop"`
}

type davProp struct {
	DisplayName  string       `xml:"displayname"`
	ResourceType resourceType `xml:"resourcetype"`
	CalendarData string       `xml:"calendar-data"`
}

type resourceType struct {
	Calendar *struct{} `xml:"urn:ietf:params:xml:ns:caldav calendar"`
}

const propfindCalendars = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <d:displayname/>
    <d:resourcetype/>
  </d:prop>
</d:propfind>`

// ListCalendars issues a depth-1 PROPFIND against the base collection and
// keeps only resources whose resourcetype marks them as calendars.
func (p *Provider) ListCalendars(ctx context.Context, creds calendar.Credentials) ([]calendar.Calendar, error) {
	resp, err := p.do(ctx, creds, "PROPFIND", strings.TrimRight(creds.BaseURL, "/")+"/", map[string]string{
		"Depth":        "1",
		"Content-Type": "application/xml; charset=utf-8",
	}, propfindCalendars)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, p.statusErr(resp, "PROPFIND")
	}
	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, calendar.WrapErr(p.name, calendar.KindInvalidPayload, err, "multistatus decode failed")
	}
	var out []calendar.Calendar
	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if ps.Prop.ResourceType.Calendar == nil {
				continue
			}
			id := strings.Trim(r.Href, "/")
			if i := strings.LastIndex(id, "/"); i >= 0 {
				id = id[i+1:]
			}
			name := ps.Prop.DisplayName
			if name == "" {
				name = id
			}
			out = append(out, calendar.Calendar{ID: id, Name: name})
		}
	}
	return out, nil
}

func calendarQuery(from, to time.Time) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop>
    <c:calendar-data/>
  </d:prop>
  <c:filter>
    <c:comp-filter name="VCALENDAR">
      <c:comp-filter name="VEVENT">
        <c:time-range start="%s" end="%s"/>
      </c:comp-filter>
    </c:comp-filter>
  </c:filter>
</c:calendar-query>`, from.UTC().Format(caldavTimeFormat), to.UTC().Format(caldavTimeFormat))
}

func (p *Provider) collectionURL(creds calendar.Credentials, calendarID string) string {
	return strings.TrimRight(creds.BaseURL, "/") + "/" + url.PathEscape(calendarID) + "/"
}

// ListEvents runs a REPORT calendar-query scoped to the window and parses each
// returned calendar-data document. Documents that fail to parse are skipped
// rather than failing the whole listing.
func (p *Provider) ListEvents(ctx context.Context, creds calendar.Credentials, calendarID string, from, to time.Time) ([]calendar.Event, error) {
	resp, err := p.do(ctx, creds, "REPORT", p.collectionURL(creds, calendarID), map[string]string{
		"Depth":        "1",
		"Content-Type": "application/xml; charset=utf-8",
	}, calendarQuery(from, to))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, p.statusErr(resp, "REPORT")
	}
	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, calendar.WrapErr(p.name, calendar.KindInvalidPayload, err, "multistatus decode failed")
	}
	var out []calendar.Event
	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if ps.Prop.CalendarData == "" {
				continue
			}
			events, err := ParseICS(ps.Prop.CalendarData)
			if err != nil {
				continue
			}
			out = append(out, events...)
		}
	}
	return out, nil
}

func (p *Provider) eventURL(creds calendar.Credentials, calendarID, uid string) string {
	return p.collectionURL(creds, calendarID) + url.PathEscape(uid) + ".ics"
}

// CreateEvent PUTs a fresh VEVENT. If-None-Match guards against clobbering an
// existing object with the same uid.
func (p *Provider) CreateEvent(ctx context.Context, creds calendar.Credentials, calendarID string, ev calendar.Event) (*calendar.Event, error) {
	if ev.UID == "" {
		return nil, calendar.Errf(p.name, calendar.KindInvalidPayload, "event uid required")
	}
	body, err := SerializeICS(ev)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(ctx, creds, http.MethodPut, p.eventURL(creds, calendarID, ev.UID), map[string]string{
		"Content-Type":  "text/calendar; charset=utf-8",
		"If-None-Match": "*",
	}, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return nil, p.statusErr(resp, "PUT")
	}
	return &ev, nil
}

func (p *Provider) UpdateEvent(ctx context.Context, creds calendar.Credentials, calendarID string, ev calendar.Event) (*calendar.Event, error) {
	if ev.UID == "" {
		return nil, calendar.Errf(p.name, calendar.KindInvalidPayload, "event uid required for update")
	}
	body, err := SerializeICS(ev)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(ctx, creds, http.MethodPut, p.eventURL(creds, calendarID, ev.UID), map[string]string{
		"Content-Type": "text/calendar; charset=utf-8",
	}, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return nil, p.statusErr(resp, "PUT")
	}
	return &ev, nil
}

func (p *Provider) DeleteEvent(ctx context.Context, creds calendar.Credentials, calendarID, uid string) error {
	resp, err := p.do(ctx, creds, http.MethodDelete, p.eventURL(creds, calendarID, uid), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return p.statusErr(resp, "DELETE")
	}
	return nil
}

// Probe verifies stored credentials by issuing the discovery PROPFIND. Used
// when a static integration is first connected.
func (p *Provider) Probe(ctx context.Context, creds calendar.Credentials) error {
	_, err := p.ListCalendars(ctx, creds)
	return err
}

// ParseICS decodes every VEVENT in an iCalendar document into the internal
// shape. Unparsable time properties degrade to nil boundaries.
func ParseICS(data string) ([]calendar.Event, error) {
	decoder := ical.NewDecoder(strings.NewReader(data))
	var out []calendar.Event
	for {
		cal, err := decoder.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, calendar.WrapErr("", calendar.KindInvalidPayload, err, "icalendar decode failed")
		}
		for _, comp := range cal.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			out = append(out, parseEventComponent(comp))
		}
	}
	return out, nil
}

func parseEventComponent(comp *ical.Component) calendar.Event {
	ev := calendar.Event{}
	if prop := comp.Props.Get(ical.PropUID); prop != nil {
		ev.UID = prop.Value
	}
	if prop := comp.Props.Get(ical.PropSummary); prop != nil {
		ev.Summary = prop.Value
	}
	if prop := comp.Props.Get(ical.PropDescription); prop != nil {
		ev.Description = prop.Value
	}
	if prop := comp.Props.Get(ical.PropLocation); prop != nil {
		ev.Location = prop.Value
	}
	if prop := comp.Props.Get(ical.PropStatus); prop != nil {
		ev.Status = strings.ToLower(prop.Value)
	}
	ev.StartTime = parseDateTimeProp(comp.Props.Get(ical.PropDateTimeStart))
	ev.EndTime = parseDateTimeProp(comp.Props.Get(ical.PropDateTimeEnd))
	return ev
}

// parseDateTimeProp tries the library's TZID-aware parsing first, then falls
// back to the common raw layouts some servers emit.
func parseDateTimeProp(prop *ical.Prop) *time.Time {
	if prop == nil {
		return nil
	}
	if t, err := prop.DateTime(time.UTC); err == nil {
		return &t
	}
	layouts := []string{
		"20060102T150405Z",
		"20060102T150405",
		"20060102",
		time.RFC3339,
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, prop.Value, time.UTC); err == nil {
			return &t
		}
	}
	return nil
}

// SerializeICS renders a single event as a VCALENDAR document for PUT.
func SerializeICS(ev calendar.Event) (string, error) {
	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, ev.UID)
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	if ev.Summary != "" {
		event.Props.SetText(ical.PropSummary, ev.Summary)
	}
	if ev.Description != "" {
		event.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		event.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.Status != "" {
		event.Props.SetText(ical.PropStatus, strings.ToUpper(ev.Status))
	}
	if ev.StartTime != nil {
		event.Props.SetDateTime(ical.PropDateTimeStart, ev.StartTime.UTC())
	}
	if ev.EndTime != nil {
		event.Props.SetDateTime(ical.PropDateTimeEnd, ev.EndTime.UTC())
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//bookwright//scheduling//EN")
	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", calendar.WrapErr("", calendar.KindInvalidPayload, err, "icalendar encode failed")
	}
	return buf.String(), nil
}
