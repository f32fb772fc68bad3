// Package caldav adapts a CalDAV calendar collection (Exchange/Office 365's
// CalDAV endpoint for Outlook, or any other CalDAV server such as iCloud,
// Fastmail, or Nextcloud) to the reconciliation engine's Adapter contract.
package caldav

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/teambition/rrule-go"

	"github.com/lagyu/bridgecal/internal/canonical"
	"github.com/lagyu/bridgecal/internal/engine"
)

// Non-standard iCalendar properties BridgeCal stamps on every mirror VEVENT
// it creates on a CalDAV collection, the CalDAV-native equivalent of
// Outlook's user-defined property bag (spec.md §6.1).
const (
	propOrigin = "X-BRIDGECAL-ORIGIN"
	propGoogle = "X-BRIDGECAL-GOOGLE-ID"

	maxExpansions = 400 // guards against pathological RRULEs
)

// Adapter is a CalDAV calendar collection reachable at collectionPath via
// client.
type Adapter struct {
	client         *caldav.Client
	collectionPath string
}

// New constructs an Adapter against a CalDAV collection URL using
// httpClient for authenticated requests (typically wrapping HTTP Basic or
// a bearer token; BridgeCal itself never performs credential acquisition).
func New(httpClient webdav.HTTPClient, collectionURL string) (*Adapter, error) {
	c, err := caldav.NewClient(httpClient, collectionURL)
	if err != nil {
		return nil, fmt.Errorf("caldav: create client: %w", err)
	}
	return &Adapter{client: c, collectionPath: collectionURL}, nil
}

// ListWindow fetches every VEVENT whose interval intersects [start, end)
// via a calendar-query REPORT, expanding any RRULE into per-instance
// canonical-ready records clipped to the window. cursor is accepted for
// contract symmetry but unused: this adapter does not implement
// sync-collection incremental reports.
func (a *Adapter) ListWindow(ctx context.Context, start, end time.Time, cursor string) ([]canonical.Raw, string, error) {
	query := &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: start,
				End:   end,
			}},
		},
	}

	objs, err := a.client.QueryCalendar(ctx, a.collectionPath, query)
	if err != nil {
		return nil, "", wrapErr("", "list", err)
	}

	var out []canonical.Raw
	for _, obj := range objs {
		if obj.Data == nil {
			continue
		}
		for _, comp := range obj.Data.Children {
			if comp.Name != ical.CompEvent {
				continue
			}
			raws, err := expandEvent(comp, start, end)
			if err != nil {
				continue // malformed VEVENT: skip, the engine never sees it
			}
			out = append(out, raws...)
		}
	}
	return out, "", nil
}

// Create writes a new VEVENT into the collection at a UID-named resource,
// stamping ev.Marker into non-standard properties.
func (a *Adapter) Create(ctx context.Context, ev canonical.Event) (string, error) {
	uid := fmt.Sprintf("bridgecal-%d@local", time.Now().UnixNano())
	cal := toICalCalendar(uid, ev)
	path := a.objectPath(uid)

	if _, err := a.client.PutCalendarObject(ctx, path, cal); err != nil {
		return "", wrapErr(uid, "create", err)
	}
	return uid, nil
}

// Update overwrites the VEVENT for id, preserving whatever marker
// properties are already present on the existing object regardless of
// ev.Marker, per the adapter contract.
func (a *Adapter) Update(ctx context.Context, id string, ev canonical.Event) error {
	path := a.objectPath(id)

	existing, err := a.client.GetCalendarObject(ctx, path)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return wrapErr(id, "update", err)
	}

	var marker *canonical.Marker
	for _, comp := range existing.Data.Children {
		if comp.Name == ical.CompEvent {
			marker = markerFromProps(comp.Props)
			break
		}
	}

	ev.Marker = nil
	cal := toICalCalendar(id, ev)
	if marker != nil {
		setMarkerProps(cal.Children[0].Props, marker)
	}

	if _, err := a.client.PutCalendarObject(ctx, path, cal); err != nil {
		if isNotFound(err) {
			return nil
		}
		return wrapErr(id, "update", err)
	}
	return nil
}

// Delete removes the resource for id. A missing target is not an error.
func (a *Adapter) Delete(ctx context.Context, id string) error {
	if err := a.client.RemoveAll(ctx, a.objectPath(id)); err != nil {
		if isNotFound(err) {
			return nil
		}
		return wrapErr(id, "delete", err)
	}
	return nil
}

func (a *Adapter) objectPath(uid string) string {
	return strings.TrimSuffix(a.collectionPath, "/") + "/" + uid + ".ics"
}

// expandEvent turns one VEVENT component into one or more canonical.Raw
// records: a single record for a non-recurring event, or one record per
// RRULE occurrence clipped to [start, end) per spec.md §4.3
// ("Recurring series are expanded to per-instance entries"). RDATE and
// EXDATE properties are not applied.
func expandEvent(comp *ical.Component, start, end time.Time) ([]canonical.Raw, error) {
	base, dtstart, dtend, err := toRawSkeleton(comp)
	if err != nil {
		return nil, err
	}

	rruleProp := comp.Props.Get("RRULE")
	if rruleProp == nil {
		if base.Start.Before(end) && base.End.After(start) {
			return []canonical.Raw{base}, nil
		}
		return nil, nil
	}

	rule, err := rrule.StrToRRule(rruleProp.Value)
	if err != nil {
		// Unparseable recurrence rule: fall back to the single instance
		// rather than dropping the event entirely.
		return []canonical.Raw{base}, nil
	}
	rule.DTStart(dtstart)
	duration := dtend.Sub(dtstart)

	occurrences := rule.Between(start, end, true)
	if len(occurrences) > maxExpansions {
		occurrences = occurrences[:maxExpansions]
	}

	out := make([]canonical.Raw, 0, len(occurrences))
	for i, occ := range occurrences {
		inst := base
		inst.SourceID = fmt.Sprintf("%s/%s", base.SourceID, occ.UTC().Format("20060102T150405Z"))
		inst.Start = occ
		inst.End = occ.Add(duration)
		if i == 0 && base.Marker != nil {
			inst.Marker = base.Marker
		}
		out = append(out, inst)
	}
	return out, nil
}

func toRawSkeleton(comp *ical.Component) (canonical.Raw, time.Time, time.Time, error) {
	uidProp := comp.Props.Get(ical.PropUID)
	if uidProp == nil {
		return canonical.Raw{}, time.Time{}, time.Time{}, fmt.Errorf("caldav: VEVENT missing UID")
	}

	dtstart, allDay, err := decodeDateTime(comp, ical.PropDateTimeStart)
	if err != nil {
		return canonical.Raw{}, time.Time{}, time.Time{}, err
	}
	dtend, _, err := decodeDateTime(comp, ical.PropDateTimeEnd)
	if err != nil {
		return canonical.Raw{}, time.Time{}, time.Time{}, err
	}

	raw := canonical.Raw{
		SourceID:    uidProp.Value,
		Start:       dtstart,
		End:         dtend,
		IsAllDay:    allDay,
		Summary:     textProp(comp, ical.PropSummary),
		Location:    textProp(comp, ical.PropLocation),
		Description: textProp(comp, ical.PropDescription),
		BusyStatus:  canonical.BusyStatusBusy,
		Privacy:     canonical.PrivacyPublic,
	}

	if tr := textProp(comp, ical.PropTransparency); strings.EqualFold(tr, "TRANSPARENT") {
		raw.BusyStatus = canonical.BusyStatusFree
	}
	if cls := textProp(comp, ical.PropClass); strings.EqualFold(cls, "PRIVATE") || strings.EqualFold(cls, "CONFIDENTIAL") {
		raw.Privacy = canonical.PrivacyPrivate
	}
	if lm := comp.Props.Get(ical.PropLastModified); lm != nil {
		if t, err := lm.DateTime(time.UTC); err == nil {
			raw.LastMod = t
		}
	}

	raw.Marker = markerFromProps(comp.Props)

	return raw, dtstart, dtend, nil
}

func decodeDateTime(comp *ical.Component, name string) (time.Time, bool, error) {
	prop := comp.Props.Get(name)
	if prop == nil {
		return time.Time{}, false, fmt.Errorf("caldav: missing %s", name)
	}
	if v, ok := prop.Params["VALUE"]; ok && len(v) > 0 && strings.EqualFold(v[0], "DATE") {
		t, err := time.ParseInLocation("20060102", prop.Value, time.UTC)
		return t, true, err
	}
	t, err := prop.DateTime(time.UTC)
	return t, false, err
}

func textProp(comp *ical.Component, name string) string {
	p := comp.Props.Get(name)
	if p == nil {
		return ""
	}
	return p.Value
}

func markerFromProps(props ical.Props) *canonical.Marker {
	origin := props.Get(propOrigin)
	googleID := props.Get(propGoogle)
	if origin == nil || googleID == nil {
		return nil
	}
	if origin.Value != string(canonical.OriginGoogle) {
		return nil
	}
	return &canonical.Marker{OriginOfSource: canonical.OriginGoogle, SourceIDOnOtherSide: googleID.Value}
}

// setDateOnly writes name as a DATE-valued property (VALUE=DATE), the
// iCalendar encoding for an all-day boundary with no time component.
func setDateOnly(props ical.Props, name string, t time.Time) {
	props.SetText(name, t.Format("20060102"))
	prop := props.Get(name)
	if prop.Params == nil {
		prop.Params = make(ical.Params)
	}
	prop.Params.Set("VALUE", "DATE")
}

func setMarkerProps(props ical.Props, marker *canonical.Marker) {
	if marker == nil {
		return
	}
	props.SetText(propOrigin, string(marker.OriginOfSource))
	props.SetText(propGoogle, marker.SourceIDOnOtherSide)
}

func toICalCalendar(uid string, ev canonical.Event) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//BridgeCal//bridgecal//EN")

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetText(ical.PropSummary, ev.Summary)
	event.Props.SetText(ical.PropLocation, ev.Location)
	event.Props.SetText(ical.PropDescription, ev.Description)
	event.Props.SetText(ical.PropClass, "PRIVATE")
	event.Props.SetDateTime(ical.PropLastModified, time.Now().UTC())

	if ev.BusyStatus == canonical.BusyStatusFree {
		event.Props.SetText(ical.PropTransparency, "TRANSPARENT")
	} else {
		event.Props.SetText(ical.PropTransparency, "OPAQUE")
	}

	if ev.IsAllDay {
		setDateOnly(event.Props, ical.PropDateTimeStart, ev.Start)
		setDateOnly(event.Props, ical.PropDateTimeEnd, ev.End)
	} else {
		event.Props.SetDateTime(ical.PropDateTimeStart, ev.Start)
		event.Props.SetDateTime(ical.PropDateTimeEnd, ev.End)
	}

	if ev.Marker != nil {
		setMarkerProps(event.Props, ev.Marker)
	}

	cal.Children = append(cal.Children, event)
	return cal
}

func isNotFound(err error) bool {
	var herr *webdav.HTTPError
	if ok := asHTTPError(err, &herr); ok {
		return herr.Code == http.StatusNotFound || herr.Code == http.StatusGone
	}
	return false
}

func asHTTPError(err error, target **webdav.HTTPError) bool {
	for err != nil {
		if herr, ok := err.(*webdav.HTTPError); ok {
			*target = herr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// wrapErr classifies a CalDAV transport error: 401/403 become AuthError so
// the driver aborts the tick immediately, anything else becomes a
// TransientAdapterError the engine can count and continue past.
func wrapErr(sourceID, kind string, err error) error {
	var herr *webdav.HTTPError
	if asHTTPError(err, &herr) && (herr.Code == http.StatusUnauthorized || herr.Code == http.StatusForbidden) {
		return &engine.AuthError{Origin: canonical.OriginOutlook, Err: err}
	}
	return &engine.TransientAdapterError{SourceID: sourceID, Kind: kind, Err: err}
}
