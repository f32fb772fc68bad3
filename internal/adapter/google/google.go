// Package google adapts a Google Calendar to the reconciliation engine's
// Adapter contract. It accepts a pre-authenticated *http.Client;
// cmd/bridgecal builds that client from a previously cached OAuth2 token
// and acquires or refreshes no tokens itself.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/lagyu/bridgecal/internal/buildinfo"
	"github.com/lagyu/bridgecal/internal/canonical"
	"github.com/lagyu/bridgecal/internal/engine"
)

// Extended property keys BridgeCal stamps on every mirror it creates, used
// to recover a mirror's marker on the next tick without a local cache.
const (
	propOrigin    = "bridgecal.origin"
	propOutlookID = "bridgecal.outlook_id"
)

// Adapter is a Google Calendar backed by the Calendar v3 API.
type Adapter struct {
	svc        *calendar.Service
	calendarID string
}

// New constructs an Adapter for calendarID using httpClient for
// authenticated requests. httpClient is expected to already carry an
// oauth2.TokenSource transport; BridgeCal itself never runs an OAuth flow.
func New(ctx context.Context, httpClient *http.Client, calendarID string) (*Adapter, error) {
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient), option.WithUserAgent(buildinfo.UserAgent()))
	if err != nil {
		return nil, fmt.Errorf("google: create calendar service: %w", err)
	}
	return &Adapter{svc: svc, calendarID: calendarID}, nil
}

// ListWindow lists events whose interval intersects [start, end). cursor is
// accepted for contract symmetry with the Outlook side but unused: each
// tick performs a full scan of the window via SingleEvents expansion rather
// than tracking Google's incremental sync tokens, since the window itself
// bounds what is in play.
func (a *Adapter) ListWindow(ctx context.Context, start, end time.Time, cursor string) ([]canonical.Raw, string, error) {
	var out []canonical.Raw
	pageToken := ""
	for {
		call := a.svc.Events.List(a.calendarID).
			Context(ctx).
			SingleEvents(true).
			ShowDeleted(false).
			TimeMin(start.Format(time.RFC3339)).
			TimeMax(end.Format(time.RFC3339)).
			MaxResults(250)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, "", wrapErr("", "list", err)
		}

		for _, ev := range resp.Items {
			if ev.Status == "cancelled" {
				continue
			}
			out = append(out, toRaw(ev))
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return out, "", nil
}

// Create inserts ev as a new event, stamping ev.Marker into extended
// properties so the marker survives a process restart.
func (a *Adapter) Create(ctx context.Context, ev canonical.Event) (string, error) {
	gev := toGoogleEvent(ev)
	created, err := a.svc.Events.Insert(a.calendarID, gev).SendUpdates("none").Context(ctx).Do()
	if err != nil {
		return "", wrapErr("", "create", err)
	}
	return created.Id, nil
}

// Update overwrites the event at id with ev's content, preserving whatever
// marker extended properties are already stored on the existing event
// regardless of ev.Marker, per the adapter contract.
func (a *Adapter) Update(ctx context.Context, id string, ev canonical.Event) error {
	existing, err := a.svc.Events.Get(a.calendarID, id).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return wrapErr(id, "update", err)
	}

	gev := toGoogleEvent(ev)
	gev.ExtendedProperties = existing.ExtendedProperties

	if _, err := a.svc.Events.Update(a.calendarID, id, gev).SendUpdates("none").Context(ctx).Do(); err != nil {
		if isNotFound(err) {
			return nil
		}
		return wrapErr(id, "update", err)
	}
	return nil
}

// Delete removes the event at id. A missing target is treated as success.
func (a *Adapter) Delete(ctx context.Context, id string) error {
	if err := a.svc.Events.Delete(a.calendarID, id).Context(ctx).Do(); err != nil {
		if isNotFound(err) {
			return nil
		}
		return wrapErr(id, "delete", err)
	}
	return nil
}

func toRaw(ev *calendar.Event) canonical.Raw {
	raw := canonical.Raw{
		SourceID:    ev.Id,
		Summary:     ev.Summary,
		Location:    ev.Location,
		Description: ev.Description,
		BusyStatus:  canonical.BusyStatusBusy,
		Privacy:     canonical.PrivacyPublic,
	}
	if ev.Transparency == "transparent" {
		raw.BusyStatus = canonical.BusyStatusFree
	}
	if ev.Visibility == "private" || ev.Visibility == "confidential" {
		raw.Privacy = canonical.PrivacyPrivate
	}
	if ev.Updated != "" {
		if t, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
			raw.LastMod = t
		}
	}

	if ev.Start != nil && ev.Start.Date != "" {
		raw.IsAllDay = true
		raw.Start, _ = time.ParseInLocation("2006-01-02", ev.Start.Date, time.UTC)
		raw.End, _ = time.ParseInLocation("2006-01-02", ev.End.Date, time.UTC)
	} else if ev.Start != nil {
		raw.Start, _ = time.Parse(time.RFC3339, ev.Start.DateTime)
		raw.End, _ = time.Parse(time.RFC3339, ev.End.DateTime)
	}

	if ev.ExtendedProperties != nil && ev.ExtendedProperties.Private != nil {
		if origin, ok := ev.ExtendedProperties.Private[propOrigin]; ok {
			if outlookID, ok := ev.ExtendedProperties.Private[propOutlookID]; ok && origin == string(canonical.OriginOutlook) {
				raw.Marker = &canonical.Marker{OriginOfSource: canonical.OriginOutlook, SourceIDOnOtherSide: outlookID}
			}
		}
	}

	return raw
}

func toGoogleEvent(ev canonical.Event) *calendar.Event {
	gev := &calendar.Event{
		Summary:     ev.Summary,
		Location:    ev.Location,
		Description: ev.Description,
	}

	if ev.BusyStatus == canonical.BusyStatusFree {
		gev.Transparency = "transparent"
	} else {
		gev.Transparency = "opaque"
	}
	if ev.Privacy == canonical.PrivacyPrivate {
		gev.Visibility = "private"
	} else {
		gev.Visibility = "default"
	}

	if ev.IsAllDay {
		gev.Start = &calendar.EventDateTime{Date: ev.Start.Format("2006-01-02")}
		gev.End = &calendar.EventDateTime{Date: ev.End.Format("2006-01-02")}
	} else {
		gev.Start = &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)}
		gev.End = &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339)}
	}

	if ev.Marker != nil {
		gev.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{
				propOrigin:    string(ev.Marker.OriginOfSource),
				propOutlookID: ev.Marker.SourceIDOnOtherSide,
			},
		}
	}

	return gev
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone
	}
	return false
}

// wrapErr classifies a Google API error: 401/403 become AuthError so the
// driver aborts the tick immediately, anything else becomes a
// TransientAdapterError the engine can count and continue past.
func wrapErr(sourceID, kind string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
		return &engine.AuthError{Origin: canonical.OriginGoogle, Err: err}
	}
	return &engine.TransientAdapterError{SourceID: sourceID, Kind: kind, Err: err}
}
