package canonical

import (
	"testing"
	"time"
)

func mustNormalize(t *testing.T, raw Raw, origin Origin) Event {
	t.Helper()
	ev, err := Normalize(raw, origin)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	return ev
}

func TestNormalize_MissingStartEnd(t *testing.T) {
	_, err := Normalize(Raw{SourceID: "o1"}, OriginOutlook)
	if err == nil {
		t.Fatal("expected error for missing start/end")
	}
	if _, ok := err.(*MalformedEvent); !ok {
		t.Fatalf("expected *MalformedEvent, got %T", err)
	}
}

func TestNormalize_EndBeforeStart(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err := Normalize(Raw{SourceID: "o1", Start: start, End: end}, OriginOutlook)
	if err == nil {
		t.Fatal("expected error for end before start")
	}
}

func TestNormalize_TimedConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("TEST", -7*3600)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, loc)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, loc)

	ev := mustNormalize(t, Raw{SourceID: "o1", Start: start, End: end}, OriginOutlook)
	if ev.Start.Location() != time.UTC {
		t.Errorf("Start location = %v, want UTC", ev.Start.Location())
	}
	if !ev.Start.Equal(start) {
		t.Errorf("Start = %v, want %v", ev.Start, start)
	}
}

func TestNormalize_AllDayKeepsCalendarDate(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	ev := mustNormalize(t, Raw{SourceID: "o1", Start: start, End: end, IsAllDay: true}, OriginOutlook)
	if ev.Start.Format("2006-01-02") != "2026-03-01" {
		t.Errorf("Start date = %s, want 2026-03-01", ev.Start.Format("2006-01-02"))
	}
	if ev.End.Format("2006-01-02") != "2026-03-02" {
		t.Errorf("End date = %s, want 2026-03-02", ev.End.Format("2006-01-02"))
	}
}

func TestNormalize_ExtractsMarker(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	marker := &Marker{OriginOfSource: OriginOutlook, SourceIDOnOtherSide: "o1"}

	ev := mustNormalize(t, Raw{SourceID: "g1", Start: start, End: end, Marker: marker}, OriginGoogle)
	if !ev.IsMirror() {
		t.Fatal("expected IsMirror() true when marker present")
	}
	if ev.Marker.OriginOfSource != OriginOutlook || ev.Marker.SourceIDOnOtherSide != "o1" {
		t.Errorf("marker = %+v, want {outlook o1}", *ev.Marker)
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := Event{Start: start, End: end, Summary: "Planning", BusyStatus: BusyStatusBusy, Privacy: PrivacyPrivate}

	a := Fingerprint(ev)
	b := Fingerprint(ev)
	if a != b {
		t.Errorf("Fingerprint not deterministic: %d != %d", a, b)
	}
}

func TestFingerprint_WhitespaceNormalized(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	a := Event{Start: start, End: end, Summary: "  Planning   Meeting  "}
	b := Event{Start: start, End: end, Summary: "Planning Meeting"}

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("fingerprints should match after whitespace normalization")
	}
}

func TestFingerprint_ContentChangeAltersHash(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	a := Event{Start: start, End: end, Summary: "Planning"}
	b := Event{Start: start, End: end, Summary: "Planning v2"}

	if Fingerprint(a) == Fingerprint(b) {
		t.Error("fingerprints should differ when summary changes")
	}
}

func TestFingerprint_SubSecondPrecisionIgnored(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	endWithNanos := end.Add(500 * time.Millisecond)

	a := Event{Start: start, End: end}
	b := Event{Start: start, End: endWithNanos}

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("fingerprint should truncate to whole seconds for timed events")
	}
}

func TestFingerprint_AllDayUsesCalendarDate(t *testing.T) {
	a := Event{
		IsAllDay: true,
		Start:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	b := Event{
		IsAllDay: true,
		Start:    time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), // time-of-day should be ignored
		End:      time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC),
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("all-day fingerprint should only depend on the calendar date")
	}
}

func TestEqualForSync(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := Event{Start: start, End: end, Summary: "Planning"}
	b := Event{Start: start, End: end, Summary: "Planning", Origin: OriginGoogle, SourceID: "different"}

	if !EqualForSync(a, b) {
		t.Error("events with identical fingerprint fields should be EqualForSync despite differing origin/id")
	}
}

func TestOrigin_Opposite(t *testing.T) {
	if OriginOutlook.Opposite() != OriginGoogle {
		t.Error("Outlook's opposite should be Google")
	}
	if OriginGoogle.Opposite() != OriginOutlook {
		t.Error("Google's opposite should be Outlook")
	}
}
