package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/lagyu/bridgecal/internal/canonical"
	"github.com/lagyu/bridgecal/internal/mapping"

	_ "modernc.org/sqlite"
)

func newTestEngine(t *testing.T) (*Engine, *fakeAdapter, *fakeAdapter) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := mapping.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	outlook := newFakeAdapter(canonical.OriginOutlook)
	google := newFakeAdapter(canonical.OriginGoogle)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(outlook, google, store, RedactionNone, log), outlook, google
}

func testWindow(t *testing.T) Window {
	t.Helper()
	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	w, err := NewWindow(now, 30*24*time.Hour, 180*24*time.Hour)
	if err != nil {
		t.Fatalf("NewWindow: %v", err)
	}
	return w
}

// Scenario 1: Create A→B.
func TestScenario_CreateOutlookToGoogle(t *testing.T) {
	e, outlook, google := newTestEngine(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	outlook.put("O1", canonical.Raw{Start: start, End: end, Summary: "Planning", LastMod: start})

	sum, err := e.Run(context.Background(), testWindow(t))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.CreatedGoogle != 1 {
		t.Errorf("CreatedGoogle = %d, want 1", sum.CreatedGoogle)
	}
	if google.count() != 1 {
		t.Fatalf("google.count() = %d, want 1", google.count())
	}

	rows, err := e.Store.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0].Outlook != "O1" {
		t.Errorf("mapping row outlook_id = %q, want O1", rows[0].Outlook)
	}

	for id, raw := range google.events {
		if raw.Marker == nil {
			t.Fatalf("google mirror %s missing marker", id)
		}
		if raw.Marker.OriginOfSource != canonical.OriginOutlook || raw.Marker.SourceIDOnOtherSide != "O1" {
			t.Errorf("marker = %+v, want {outlook O1}", raw.Marker)
		}
		if raw.Privacy != canonical.PrivacyPrivate || raw.BusyStatus != canonical.BusyStatusBusy {
			t.Errorf("mirror privacy/busy = %v/%v, want private/busy", raw.Privacy, raw.BusyStatus)
		}
	}
}

// Scenario 2: Update A→B.
func TestScenario_UpdateOutlookToGoogle(t *testing.T) {
	e, outlook, google := newTestEngine(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t0 := start
	outlook.put("O1", canonical.Raw{Start: start, End: end, Summary: "Planning", LastMod: t0})

	if _, err := e.Run(context.Background(), testWindow(t)); err != nil {
		t.Fatalf("Run (create): %v", err)
	}

	rowBefore, _, _ := e.Store.GetByOutlook("O1")

	t1 := t0.Add(time.Hour)
	outlook.put("O1", canonical.Raw{Start: start, End: end, Summary: "Planning v2", LastMod: t1})

	sum, err := e.Run(context.Background(), testWindow(t))
	if err != nil {
		t.Fatalf("Run (update): %v", err)
	}
	if sum.UpdatedGoogle != 1 {
		t.Errorf("UpdatedGoogle = %d, want 1", sum.UpdatedGoogle)
	}
	if sum.CreatedGoogle != 0 {
		t.Errorf("CreatedGoogle = %d, want 0 (no duplicate create)", sum.CreatedGoogle)
	}
	if google.count() != 1 {
		t.Fatalf("google.count() = %d, want 1", google.count())
	}

	rowAfter, ok, err := e.Store.GetByOutlook("O1")
	if err != nil || !ok {
		t.Fatalf("GetByOutlook: ok=%v err=%v", ok, err)
	}
	if rowAfter.LastOutlookFingerprint == nil || rowBefore.LastOutlookFingerprint == nil {
		t.Fatal("expected fingerprints to be recorded")
	}
	if *rowAfter.LastOutlookFingerprint == *rowBefore.LastOutlookFingerprint {
		t.Error("expected last_outlook_fingerprint to change after update")
	}

	for _, raw := range google.events {
		if raw.Summary != "Planning v2" {
			t.Errorf("google mirror summary = %q, want %q", raw.Summary, "Planning v2")
		}
	}
}

// Scenario 3: Delete A→B.
func TestScenario_DeletePropagates(t *testing.T) {
	e, outlook, google := newTestEngine(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	outlook.put("O1", canonical.Raw{Start: start, End: end, Summary: "Planning", LastMod: start})

	if _, err := e.Run(context.Background(), testWindow(t)); err != nil {
		t.Fatalf("Run (create): %v", err)
	}
	if google.count() != 1 {
		t.Fatalf("expected mirror created")
	}

	for id := range outlook.events {
		delete(outlook.events, id)
	}

	sum, err := e.Run(context.Background(), testWindow(t))
	if err != nil {
		t.Fatalf("Run (delete): %v", err)
	}
	if sum.DeletedGoogle != 1 {
		t.Errorf("DeletedGoogle = %d, want 1", sum.DeletedGoogle)
	}
	if google.count() != 0 {
		t.Errorf("google.count() = %d, want 0", google.count())
	}
	if _, ok, _ := e.Store.GetByOutlook("O1"); ok {
		t.Error("expected mapping row removed after delete propagation")
	}
}

// Scenario 4: Conflict, mirror (Google) wins since it's strictly newer.
func TestScenario_ConflictMirrorNewerWins(t *testing.T) {
	e, outlook, google := newTestEngine(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t0 := start
	outlook.put("O1", canonical.Raw{Start: start, End: end, Summary: "Planning", LastMod: t0})

	if _, err := e.Run(context.Background(), testWindow(t)); err != nil {
		t.Fatalf("Run (create): %v", err)
	}

	var googleID string
	for id := range google.events {
		googleID = id
	}

	t2 := t0.Add(time.Hour)
	t3 := t2.Add(time.Minute)
	outlook.put("O1", canonical.Raw{Start: start, End: end, Summary: "Outlook edit", LastMod: t2})
	existing, _ := google.get(googleID)
	existing.Summary = "Google edit"
	existing.LastMod = t3
	google.put(googleID, existing)

	sum, err := e.Run(context.Background(), testWindow(t))
	if err != nil {
		t.Fatalf("Run (conflict): %v", err)
	}
	if sum.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", sum.Conflicts)
	}
	if sum.UpdatedOutlook != 1 {
		t.Errorf("UpdatedOutlook = %d, want 1 (outlook overwritten to match newer google)", sum.UpdatedOutlook)
	}

	updatedOutlook, _ := outlook.get("O1")
	if updatedOutlook.Summary != "Google edit" {
		t.Errorf("outlook summary = %q, want %q", updatedOutlook.Summary, "Google edit")
	}

	row, ok, _ := e.Store.GetByOutlook("O1")
	if !ok {
		t.Fatal("expected mapping row to survive conflict")
	}
	if row.Origin != mapping.OriginOutlook {
		t.Errorf("row.Origin = %q, want unchanged (outlook)", row.Origin)
	}
}

// Scenario 5: Tie-break, both timestamps equal, Outlook wins.
func TestScenario_TieBreakPrefersOutlook(t *testing.T) {
	e, outlook, google := newTestEngine(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t0 := start
	outlook.put("O1", canonical.Raw{Start: start, End: end, Summary: "Planning", LastMod: t0})

	if _, err := e.Run(context.Background(), testWindow(t)); err != nil {
		t.Fatalf("Run (create): %v", err)
	}

	var googleID string
	for id := range google.events {
		googleID = id
	}

	t2 := t0.Add(time.Hour)
	outlook.put("O1", canonical.Raw{Start: start, End: end, Summary: "Outlook edit", LastMod: t2})
	existing, _ := google.get(googleID)
	existing.Summary = "Google edit"
	existing.LastMod = t2
	google.put(googleID, existing)

	sum, err := e.Run(context.Background(), testWindow(t))
	if err != nil {
		t.Fatalf("Run (tie): %v", err)
	}
	if sum.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", sum.Conflicts)
	}
	if sum.UpdatedGoogle != 1 {
		t.Errorf("UpdatedGoogle = %d, want 1 (google overwritten, outlook wins tie)", sum.UpdatedGoogle)
	}

	updatedGoogle, _ := google.get(googleID)
	if updatedGoogle.Summary != "Outlook edit" {
		t.Errorf("google summary = %q, want %q", updatedGoogle.Summary, "Outlook edit")
	}
}

// Scenario 6 / P1 / P2: loop-safe re-scan produces a zero-delta summary.
func TestScenario_LoopSafeRescan(t *testing.T) {
	e, outlook, _ := newTestEngine(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	outlook.put("O1", canonical.Raw{Start: start, End: end, Summary: "Planning", LastMod: start})

	if _, err := e.Run(context.Background(), testWindow(t)); err != nil {
		t.Fatalf("Run (create): %v", err)
	}

	sum, err := e.Run(context.Background(), testWindow(t))
	if err != nil {
		t.Fatalf("Run (rescan): %v", err)
	}
	if sum.CreatedOutlook+sum.CreatedGoogle+sum.UpdatedOutlook+sum.UpdatedGoogle+sum.DeletedOutlook+sum.DeletedGoogle+sum.Conflicts+sum.Errors != 0 {
		t.Errorf("expected zero-delta summary on re-scan, got %+v", sum)
	}
}

// P3: events carrying a marker are never treated as sources; a mirror
// left in place never spawns a reverse mirror.
func TestClassification_MirrorsNeverBecomeSources(t *testing.T) {
	e, outlook, google := newTestEngine(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	outlook.put("O1", canonical.Raw{Start: start, End: end, Summary: "Planning", LastMod: start})

	for i := 0; i < 3; i++ {
		if _, err := e.Run(context.Background(), testWindow(t)); err != nil {
			t.Fatalf("Run #%d: %v", i, err)
		}
	}

	if outlook.count() != 1 {
		t.Errorf("outlook.count() = %d, want 1 (no reverse mirror created)", outlook.count())
	}
	if google.count() != 1 {
		t.Errorf("google.count() = %d, want 1 (no duplicate mirrors)", google.count())
	}
}

// P4 duplicate check: marker-aware cross-lookup repairs a lost mapping
// row instead of creating a duplicate mirror.
func TestPairing_CrossLookupRepairsLostMappingRow(t *testing.T) {
	e, outlook, google := newTestEngine(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	outlook.put("O1", canonical.Raw{Start: start, End: end, Summary: "Planning", LastMod: start})

	if _, err := e.Run(context.Background(), testWindow(t)); err != nil {
		t.Fatalf("Run (create): %v", err)
	}

	// Simulate a lost mapping store (e.g. the file was deleted) while
	// the two calendars still hold their marker cross-references.
	rows, err := e.Store.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	for _, r := range rows {
		e.Store.Delete(r)
	}

	sum, err := e.Run(context.Background(), testWindow(t))
	if err != nil {
		t.Fatalf("Run (repair): %v", err)
	}
	if sum.CreatedGoogle != 0 {
		t.Errorf("CreatedGoogle = %d, want 0 (cross-lookup should prevent duplicate)", sum.CreatedGoogle)
	}
	if google.count() != 1 {
		t.Errorf("google.count() = %d, want 1 (no duplicate mirror)", google.count())
	}

	rowsAfter, err := e.Store.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(rowsAfter) != 1 {
		t.Errorf("len(rowsAfter) = %d, want 1 (mapping row repaired)", len(rowsAfter))
	}
}

// P6: every create/update targeting a mirror carries private visibility,
// busy status, and (under busy-only redaction) no content.
func TestPrivacyInvariant_BusyOnlyRedactionStripsContent(t *testing.T) {
	e, outlook, google := newTestEngine(t)
	e.Redaction = RedactionBusyOnly
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	outlook.put("O1", canonical.Raw{
		Start: start, End: end, Summary: "Confidential 1:1",
		Location: "Room 4", Description: "sensitive notes", LastMod: start,
	})

	if _, err := e.Run(context.Background(), testWindow(t)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, raw := range google.events {
		if raw.Summary != "Busy" {
			t.Errorf("redacted summary = %q, want Busy", raw.Summary)
		}
		if raw.Location != "" || raw.Description != "" {
			t.Errorf("redacted mirror should have empty location/description, got %q/%q", raw.Location, raw.Description)
		}
		if raw.Privacy != canonical.PrivacyPrivate || raw.BusyStatus != canonical.BusyStatusBusy {
			t.Errorf("mirror privacy/busy = %v/%v, want private/busy", raw.Privacy, raw.BusyStatus)
		}
	}
}

// Errors taxonomy: transient adapter errors are counted but don't abort
// the tick, and don't fail the tick outright when other progress is made.
func TestTransientAdapterError_CountedNotFatal(t *testing.T) {
	e, outlook, _ := newTestEngine(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	outlook.put("O1", canonical.Raw{Start: start, End: end, Summary: "First", LastMod: start})
	outlook.put("O2", canonical.Raw{Start: start, End: end, Summary: "Second", LastMod: start})

	googleAdapter := e.Google.(*fakeAdapter)
	googleAdapter.failNew = &TransientAdapterError{SourceID: "O1", Kind: "create", Err: context.DeadlineExceeded}

	sum, err := e.Run(context.Background(), testWindow(t))
	if err != nil {
		t.Fatalf("Run should not fail the tick when some creates succeed: %v", err)
	}
	if sum.Errors != 1 {
		t.Errorf("Errors = %d, want 1", sum.Errors)
	}
	if sum.CreatedGoogle != 1 {
		t.Errorf("CreatedGoogle = %d, want 1 (the other event still gets created)", sum.CreatedGoogle)
	}
}

func TestTransientAdapterError_NoProgressFailsTick(t *testing.T) {
	e, outlook, _ := newTestEngine(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	outlook.put("O1", canonical.Raw{Start: start, End: end, Summary: "First", LastMod: start})

	googleAdapter := e.Google.(*fakeAdapter)
	googleAdapter.failNew = &TransientAdapterError{SourceID: "O1", Kind: "create", Err: context.DeadlineExceeded}

	_, err := e.Run(context.Background(), testWindow(t))
	if err != ErrTransientWithNoProgress {
		t.Fatalf("Run error = %v, want ErrTransientWithNoProgress", err)
	}
}
