// Package canonical defines the uniform representation of a calendar
// event used throughout BridgeCal's reconciliation core, independent of
// which side (Outlook or Google) it came from.
package canonical

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Origin identifies which side of the mirror an event lives on.
type Origin string

const (
	OriginOutlook Origin = "outlook"
	OriginGoogle  Origin = "google"
)

// Opposite returns the other origin.
func (o Origin) Opposite() Origin {
	if o == OriginOutlook {
		return OriginGoogle
	}
	return OriginOutlook
}

// BusyStatus mirrors always write Busy; Free is only ever observed on a
// source event.
type BusyStatus string

const (
	BusyStatusBusy BusyStatus = "busy"
	BusyStatusFree BusyStatus = "free"
)

// Privacy mirrors always write Private; Public is only ever observed on
// a source event.
type Privacy string

const (
	PrivacyPrivate Privacy = "private"
	PrivacyPublic  Privacy = "public"
)

// Marker identifies an event that BridgeCal itself created. Its presence
// on a normalized event is what makes classification (source vs. mirror)
// possible without any heuristics.
type Marker struct {
	// OriginOfSource is the side the human-authored original lives on.
	// For a mirror living on Outlook, this is OriginGoogle, and vice
	// versa.
	OriginOfSource Origin
	// SourceIDOnOtherSide is the native id of the source event on the
	// opposite side.
	SourceIDOnOtherSide string
}

// Event is a single logical appointment instance within the current sync
// window, normalized from either side's native representation.
type Event struct {
	Origin      Origin
	SourceID    string
	Start       time.Time
	End         time.Time
	IsAllDay    bool
	Summary     string
	Location    string
	Description string
	BusyStatus  BusyStatus
	Privacy     Privacy
	LastMod     time.Time
	Marker      *Marker
}

// IsMirror reports whether this event was produced by BridgeCal. Mirrors
// are never treated as sources; this is the sole mechanism
// preventing BridgeCal from mirroring its own mirrors.
func (e Event) IsMirror() bool {
	return e.Marker != nil
}

// MalformedEvent is returned by Normalize when a raw record cannot be
// turned into a valid canonical event. The Engine logs and skips such
// events; they never abort a tick.
type MalformedEvent struct {
	SourceID string
	Reason   string
}

func (e *MalformedEvent) Error() string {
	return fmt.Sprintf("malformed event %q: %s", e.SourceID, e.Reason)
}

// Raw is the adapter-shaped input to Normalize: an origin-agnostic bag of
// fields an adapter fills in from its native record. Adapters are
// responsible for resolving timed events to UTC and leaving all-day
// dates as local calendar dates before calling Normalize.
type Raw struct {
	SourceID    string
	Start       time.Time
	End         time.Time
	IsAllDay    bool
	Summary     string
	Location    string
	Description string
	BusyStatus  BusyStatus
	Privacy     Privacy
	LastMod     time.Time
	Marker      *Marker
}

// Normalize converts an adapter-shaped raw record into canonical form.
// It fails with *MalformedEvent when start/end are missing or end
// precedes start.
func Normalize(raw Raw, origin Origin) (Event, error) {
	if raw.Start.IsZero() || raw.End.IsZero() {
		return Event{}, &MalformedEvent{SourceID: raw.SourceID, Reason: "missing start or end"}
	}
	if raw.End.Before(raw.Start) {
		return Event{}, &MalformedEvent{SourceID: raw.SourceID, Reason: "end precedes start"}
	}

	ev := Event{
		Origin:      origin,
		SourceID:    raw.SourceID,
		IsAllDay:    raw.IsAllDay,
		Summary:     raw.Summary,
		Location:    raw.Location,
		Description: raw.Description,
		BusyStatus:  raw.BusyStatus,
		Privacy:     raw.Privacy,
		LastMod:     raw.LastMod.UTC(),
		Marker:      raw.Marker,
	}

	if raw.IsAllDay {
		ev.Start = time.Date(raw.Start.Year(), raw.Start.Month(), raw.Start.Day(), 0, 0, 0, 0, time.UTC)
		ev.End = time.Date(raw.End.Year(), raw.End.Month(), raw.End.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		ev.Start = raw.Start.UTC()
		ev.End = raw.End.UTC()
	}

	return ev, nil
}

// normalizeWhitespace trims and collapses internal runs of whitespace to
// a single space.
func normalizeWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// Fingerprint is a deterministic 64-bit hash over the canonical fields
// that participate in sync comparison: start, end, is_all_day, summary,
// location, description, busy_status, privacy. It must be stable across
// implementations, so inputs are normalized before hashing: whitespace is
// collapsed, timed instants are encoded as whole-second UTC ISO-8601, and
// all-day dates are encoded as YYYY-MM-DD.
func Fingerprint(e Event) uint64 {
	var sb strings.Builder

	writeField := func(s string) {
		sb.WriteString(s)
		sb.WriteByte(0) // unambiguous field separator
	}

	if e.IsAllDay {
		writeField(e.Start.Format("2006-01-02"))
		writeField(e.End.Format("2006-01-02"))
	} else {
		writeField(e.Start.UTC().Truncate(time.Second).Format(time.RFC3339))
		writeField(e.End.UTC().Truncate(time.Second).Format(time.RFC3339))
	}
	if e.IsAllDay {
		writeField("1")
	} else {
		writeField("0")
	}
	writeField(normalizeWhitespace(e.Summary))
	writeField(normalizeWhitespace(e.Location))
	writeField(normalizeWhitespace(e.Description))
	writeField(string(e.BusyStatus))
	writeField(string(e.Privacy))

	return xxhash.Sum64String(sb.String())
}

// EqualForSync reports whether a and b carry identical fingerprint
// fields. It exists as a defensive re-check alongside fingerprint
// comparison; primary comparisons in the Engine use Fingerprint directly.
func EqualForSync(a, b Event) bool {
	return Fingerprint(a) == Fingerprint(b)
}

// ErrMissingWindow is returned by engine.NewWindow when either the past or
// the future duration is not positive.
var ErrMissingWindow = errors.New("canonical: sync window must have positive span")
