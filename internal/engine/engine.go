// Package engine implements the per-tick reconciliation pipeline that
// keeps an Outlook calendar and a Google calendar mutually mirrored:
// classify, pair, decide, execute, persist.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lagyu/bridgecal/internal/canonical"
	"github.com/lagyu/bridgecal/internal/mapping"
)

// Adapter is the capability contract the Engine demands of each calendar
// side. Implementations (internal/adapter/caldav, internal/adapter/google,
// internal/adapter/fake) never decide sync policy; they only translate
// canonical operations to and from one provider's wire format.
type Adapter interface {
	// ListWindow returns canonical-ready raw records whose interval
	// intersects [start, end), plus an opaque cursor for incremental
	// listing on the next call. Adapters that don't support
	// incremental listing accept and return an empty cursor.
	ListWindow(ctx context.Context, start, end time.Time, cursor string) (events []canonical.Raw, newCursor string, err error)

	// Create writes a new mirror event carrying marker, returning the
	// id the provider assigned.
	Create(ctx context.Context, ev canonical.Event) (id string, err error)

	// Update overwrites the event at id to match ev. The marker must
	// be preserved by the adapter, not passed in ev.
	Update(ctx context.Context, id string, ev canonical.Event) error

	// Delete removes the event at id. A missing target is not an
	// error.
	Delete(ctx context.Context, id string) error
}

// TransientAdapterError wraps a recoverable adapter failure (network,
// rate-limit, momentary unavailability). The Engine logs and continues
// with the next item rather than aborting the tick.
type TransientAdapterError struct {
	SourceID string
	Kind     string
	Err      error
}

func (e *TransientAdapterError) Error() string {
	return fmt.Sprintf("transient adapter error (%s) for %q: %v", e.Kind, e.SourceID, e.Err)
}

func (e *TransientAdapterError) Unwrap() error { return e.Err }

// AuthError signals an unrecoverable credential failure. It is fatal for
// the process.
type AuthError struct {
	Origin canonical.Origin
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Origin, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Window is the rolling interval scanned per tick: [now-past, now+future).
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds a Window anchored at now. Both durations must be
// positive or canonical.ErrMissingWindow is returned.
func NewWindow(now time.Time, past, future time.Duration) (Window, error) {
	if past <= 0 || future <= 0 {
		return Window{}, canonical.ErrMissingWindow
	}
	return Window{Start: now.Add(-past), End: now.Add(future)}, nil
}

// RedactionMode controls what content, if any, a mirror carries.
type RedactionMode string

const (
	RedactionNone     RedactionMode = "none"
	RedactionBusyOnly RedactionMode = "busy-only"
)

// Summary reports the outcome of one tick. Event content never appears
// here, only counts.
type Summary struct {
	ScannedOutlook int
	ScannedGoogle  int
	OutlookSource  int
	OutlookMirror  int
	GoogleSource   int
	GoogleMirror   int

	CreatedOutlook int
	CreatedGoogle  int
	UpdatedOutlook int
	UpdatedGoogle  int
	DeletedOutlook int
	DeletedGoogle  int

	Conflicts int
	Errors    int
}

// hasProgress reports whether the tick made any mutating progress, used
// by Run to decide whether accumulated transient errors should fail the
// tick with ErrTransientWithNoProgress.
func (s Summary) hasProgress() bool {
	return s.CreatedOutlook+s.CreatedGoogle+s.UpdatedOutlook+s.UpdatedGoogle+s.DeletedOutlook+s.DeletedGoogle > 0
}

// ErrTransientWithNoProgress is returned by Run when the tick accumulated
// one or more TransientAdapterErrors and made no mutating progress at
// all; the driver maps this to exit code 4.
var ErrTransientWithNoProgress = errors.New("engine: transient errors occurred with no progress")

// Engine owns one reconciliation tick. It is stateless across ticks other
// than the Adapters and Store it was constructed with; a new Engine may
// be reused for every tick.
type Engine struct {
	Outlook   Adapter
	Google    Adapter
	Store     *mapping.Store
	Redaction RedactionMode
	Log       *slog.Logger
}

// New constructs an Engine. log may be nil, in which case slog.Default()
// is used.
func New(outlook, google Adapter, store *mapping.Store, redaction RedactionMode, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{Outlook: outlook, Google: google, Store: store, Redaction: redaction, Log: log}
}

// pair is one (source, maybe-mirror) correspondence the decide phase acts
// on. sourceOrigin records which side holds the source; the other side
// holds the mirror.
type pair struct {
	// outlookID/googleID are the native ids once known, empty if the
	// side is absent.
	outlookID string
	googleID  string

	outlookEvent *canonical.Event // present if an outlook-side item (source or mirror) participates
	googleEvent  *canonical.Event // present if a google-side item participates

	// sourceOrigin tells decide which side is the human-authored
	// original for this pair, when both sides are present and this
	// isn't yet a conflict; it's OriginOutlook if the source lives on
	// outlook, else OriginGoogle.
	sourceOrigin canonical.Origin

	row   *mapping.Row // existing mapping row, nil if none
	newly bool         // true if no row existed and this pair was discovered via cross-lookup
}

// Run executes one reconciliation tick over the given window.
func (e *Engine) Run(ctx context.Context, w Window) (Summary, error) {
	var sum Summary

	outlookRaw, outlookCursor, err := e.listSide(ctx, e.Outlook, w, canonical.OriginOutlook, "")
	if err != nil {
		return sum, err
	}
	googleRaw, googleCursor, err := e.listSide(ctx, e.Google, w, canonical.OriginGoogle, "")
	if err != nil {
		return sum, err
	}

	outlookEvents, errs := normalizeAll(outlookRaw, canonical.OriginOutlook)
	sum.Errors += errs
	googleEvents, errs := normalizeAll(googleRaw, canonical.OriginGoogle)
	sum.Errors += errs

	sum.ScannedOutlook = len(outlookEvents)
	sum.ScannedGoogle = len(googleEvents)

	outlookSources, outlookMirrors := classify(outlookEvents)
	googleSources, googleMirrors := classify(googleEvents)

	sum.OutlookSource = len(outlookSources)
	sum.OutlookMirror = len(outlookMirrors)
	sum.GoogleSource = len(googleSources)
	sum.GoogleMirror = len(googleMirrors)

	outlookIDs := make([]string, 0, len(outlookSources)+len(outlookMirrors))
	for _, ev := range outlookEvents {
		outlookIDs = append(outlookIDs, ev.SourceID)
	}
	existingRows, err := e.Store.ListWhereOutlookIn(outlookIDs)
	if err != nil {
		return sum, fmt.Errorf("load mapping rows: %w", err)
	}
	allRows, err := e.Store.ListAll()
	if err != nil {
		return sum, fmt.Errorf("load mapping rows: %w", err)
	}

	pairs := e.buildPairs(outlookSources, outlookMirrors, googleSources, googleMirrors, existingRows, allRows)

	deletes, updates, creates := e.decideAll(pairs, &sum)

	if err := e.execute(ctx, deletes, updates, creates, &sum); err != nil {
		return sum, err
	}

	if err := e.Store.SetCursor("outlook_sync_token", outlookCursor); err != nil {
		return sum, fmt.Errorf("persist outlook cursor: %w", err)
	}
	if err := e.Store.SetCursor("google_sync_token", googleCursor); err != nil {
		return sum, fmt.Errorf("persist google cursor: %w", err)
	}
	if err := e.Store.SetCursor("last_outlook_scan_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return sum, fmt.Errorf("persist scan timestamp: %w", err)
	}

	if sum.Errors > 0 && !sum.hasProgress() {
		return sum, ErrTransientWithNoProgress
	}
	return sum, nil
}

func (e *Engine) listSide(ctx context.Context, a Adapter, w Window, origin canonical.Origin, cursor string) ([]canonical.Raw, string, error) {
	raw, newCursor, err := a.ListWindow(ctx, w.Start, w.End, cursor)
	if err != nil {
		var auth *AuthError
		if errors.As(err, &auth) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("list %s window: %w", origin, err)
	}
	return raw, newCursor, nil
}

func normalizeAll(raw []canonical.Raw, origin canonical.Origin) ([]canonical.Event, int) {
	events := make([]canonical.Event, 0, len(raw))
	var malformed int
	for _, r := range raw {
		ev, err := canonical.Normalize(r, origin)
		if err != nil {
			malformed++
			continue
		}
		events = append(events, ev)
	}
	return events, malformed
}

// classify partitions normalized events by marker presence. A mirror is
// never reclassified as a source; this is the entirety of BridgeCal's
// loop prevention.
func classify(events []canonical.Event) (sources, mirrors []canonical.Event) {
	for _, ev := range events {
		if ev.IsMirror() {
			mirrors = append(mirrors, ev)
		} else {
			sources = append(sources, ev)
		}
	}
	return sources, mirrors
}

// buildPairs implements the three pairing rules in order: mapping-first,
// marker-aware cross-lookup, then treat remaining sources as new.
func (e *Engine) buildPairs(
	outlookSources, outlookMirrors, googleSources, googleMirrors []canonical.Event,
	existingRows, allRows []mapping.Row,
) []pair {
	outlookSrcByID := indexByID(outlookSources)
	googleSrcByID := indexByID(googleSources)
	outlookMirrorByID := indexByID(outlookMirrors)
	googleMirrorByID := indexByID(googleMirrors)

	// existingRows holds the rows for outlook ids seen this tick; rule (b)
	// uses it to skip outlook sources that already have a row. Rule (a)
	// walks allRows, the full table.
	rowsByOutlook := make(map[string]mapping.Row, len(existingRows))
	for _, r := range existingRows {
		rowsByOutlook[r.Outlook] = r
	}

	consumedOutlookSrc := make(map[string]bool)
	consumedGoogleSrc := make(map[string]bool)

	var pairs []pair

	// Rule (a): mapping-first. Every existing row is a known pair;
	// resolve each side to whichever of source/mirror list currently
	// holds that id (or neither, meaning it's absent this tick).
	for _, r := range allRows {
		p := pair{outlookID: r.Outlook, googleID: r.Google, row: rowPtr(r)}

		outlookIsSrc := false
		if ev, ok := outlookSrcByID[r.Outlook]; ok {
			p.outlookEvent = &ev
			p.sourceOrigin = canonical.OriginOutlook
			outlookIsSrc = true
			consumedOutlookSrc[r.Outlook] = true
		} else if ev, ok := outlookMirrorByID[r.Outlook]; ok {
			p.outlookEvent = &ev
		}

		if ev, ok := googleSrcByID[r.Google]; ok {
			p.googleEvent = &ev
			if !outlookIsSrc {
				p.sourceOrigin = canonical.OriginGoogle
			}
			consumedGoogleSrc[r.Google] = true
		} else if ev, ok := googleMirrorByID[r.Google]; ok {
			p.googleEvent = &ev
		}

		// Neither side was observed as a live source this tick (e.g. the
		// source was deleted outright rather than merely falling outside
		// the window): fall back to the row's recorded origin so decide
		// still knows which side the surviving mirror belongs to.
		if p.sourceOrigin == "" {
			p.sourceOrigin = canonical.Origin(r.Origin)
		}

		pairs = append(pairs, p)
	}

	// Rule (b): marker-aware cross-lookup for sources with no mapping
	// row, matched against the opposite side's mirrors by marker.
	for id, src := range outlookSrcByID {
		if consumedOutlookSrc[id] {
			continue
		}
		if _, known := rowsByOutlook[id]; known {
			continue
		}
		if mID, mEv, ok := findMirrorForSource(googleMirrors, canonical.OriginOutlook, id); ok {
			row := e.repairRow(id, mID, canonical.OriginOutlook, src, mEv)
			pairs = append(pairs, pair{
				outlookID:    id,
				googleID:     mID,
				outlookEvent: evPtr(src),
				googleEvent:  evPtr(mEv),
				sourceOrigin: canonical.OriginOutlook,
				row:          row,
				newly:        true,
			})
			consumedOutlookSrc[id] = true
		}
	}
	for id, src := range googleSrcByID {
		if consumedGoogleSrc[id] {
			continue
		}
		if rowExistsForGoogle(allRows, id) {
			continue
		}
		if mID, mEv, ok := findMirrorForSource(outlookMirrors, canonical.OriginGoogle, id); ok {
			row := e.repairRow(mID, id, canonical.OriginGoogle, mEv, src)
			pairs = append(pairs, pair{
				outlookID:    mID,
				googleID:     id,
				outlookEvent: evPtr(mEv),
				googleEvent:  evPtr(src),
				sourceOrigin: canonical.OriginGoogle,
				row:          row,
				newly:        true,
			})
			consumedGoogleSrc[id] = true
		}
	}

	// Rule (c): remaining unmatched sources are new; no bootstrap
	// heuristics are applied.
	for id, src := range outlookSrcByID {
		if consumedOutlookSrc[id] {
			continue
		}
		pairs = append(pairs, pair{
			outlookID:    id,
			outlookEvent: evPtr(src),
			sourceOrigin: canonical.OriginOutlook,
		})
	}
	for id, src := range googleSrcByID {
		if consumedGoogleSrc[id] {
			continue
		}
		pairs = append(pairs, pair{
			googleID:     id,
			googleEvent:  evPtr(src),
			sourceOrigin: canonical.OriginGoogle,
		})
	}

	return pairs
}

// repairRow persists a mapping row for a pair discovered via marker
// cross-lookup rather than an existing row, stamping both sides'
// fingerprints as already-confirmed since the marker match proves they
// refer to the same logical event. Returns nil (continuing without a
// persisted row) if the write fails; the pair is still reconciled this
// tick via decide's normal fingerprint comparison, just without a
// durable row to skip the repair next time.
func (e *Engine) repairRow(outlookID, googleID string, sourceOrigin canonical.Origin, outlookEvent, googleEvent canonical.Event) *mapping.Row {
	outlookFP := canonical.Fingerprint(outlookEvent)
	googleFP := canonical.Fingerprint(googleEvent)
	row := mapping.Row{
		Outlook:                outlookID,
		Google:                 googleID,
		Origin:                 mapping.Origin(sourceOrigin),
		LastOutlookFingerprint: &outlookFP,
		LastGoogleFingerprint:  &googleFP,
		LastOutlookModified:    outlookEvent.LastMod,
		LastGoogleModified:     googleEvent.LastMod,
	}
	saved, err := e.Store.Upsert(row)
	if err != nil {
		e.Log.Error("persist repaired mapping row", "outlook_id", outlookID, "google_id", googleID, "error", err)
		return nil
	}
	return &saved
}

func indexByID(events []canonical.Event) map[string]canonical.Event {
	m := make(map[string]canonical.Event, len(events))
	for _, ev := range events {
		m[ev.SourceID] = ev
	}
	return m
}

func evPtr(ev canonical.Event) *canonical.Event { return &ev }
func rowPtr(r mapping.Row) *mapping.Row         { return &r }

func rowExistsForGoogle(rows []mapping.Row, googleID string) bool {
	for _, r := range rows {
		if r.Google == googleID {
			return true
		}
	}
	return false
}

// findMirrorForSource looks among mirrors for one whose marker points
// back at sourceID on sourceOrigin.
func findMirrorForSource(mirrors []canonical.Event, sourceOrigin canonical.Origin, sourceID string) (id string, ev canonical.Event, ok bool) {
	for _, m := range mirrors {
		if m.Marker != nil && m.Marker.OriginOfSource == sourceOrigin && m.Marker.SourceIDOnOtherSide == sourceID {
			return m.SourceID, m, true
		}
	}
	return "", canonical.Event{}, false
}

// action is a single planned adapter operation.
type action struct {
	kind       actionKind
	targetSide canonical.Origin // which side the operation targets
	targetID   string           // native id on targetSide, empty for create
	payload    canonical.Event  // event to write, zero for delete
	authority  canonical.Event  // the event now treated as authoritative for both fingerprints
	row        mapping.Row      // mapping row to persist after success
	dropRow    bool             // true if the mapping row should be deleted instead of upserted
	isConflict bool
}

type actionKind int

const (
	actionNone actionKind = iota
	actionCreate
	actionUpdate
	actionDelete
)

// decideAll runs the action-decision table over every pair, applying
// privacy/redaction enforcement to every payload destined for a mirror,
// and returns the planned actions bucketed by execution phase.
func (e *Engine) decideAll(pairs []pair, sum *Summary) (deletes, updates, creates []action) {
	for _, p := range pairs {
		a, ok := e.decide(p, sum)
		if !ok {
			continue
		}
		switch a.kind {
		case actionDelete:
			deletes = append(deletes, a)
		case actionUpdate:
			updates = append(updates, a)
		case actionCreate:
			creates = append(creates, a)
		}
	}
	return deletes, updates, creates
}

// decide applies the action-decision table (see SPEC_FULL.md) to a
// single pair. It returns ok=false for no-ops and dead pairs that
// require no adapter call but may still need a mapping mutation, which
// it performs immediately since the mapping phase for no-writes is not
// ordered against anything.
func (e *Engine) decide(p pair, sum *Summary) (action, bool) {
	sourcePresent := p.outlookEvent != nil && p.sourceOrigin == canonical.OriginOutlook ||
		p.googleEvent != nil && p.sourceOrigin == canonical.OriginGoogle
	var mirrorEvent *canonical.Event
	var mirrorSide canonical.Origin
	if p.sourceOrigin == canonical.OriginOutlook {
		mirrorEvent = p.googleEvent
		mirrorSide = canonical.OriginGoogle
	} else {
		mirrorEvent = p.outlookEvent
		mirrorSide = canonical.OriginOutlook
	}
	mirrorPresent := mirrorEvent != nil

	if p.newly {
		e.Log.Info("repaired mapping via marker cross-lookup", "outlook_id", p.outlookID, "google_id", p.googleID)
	}

	switch {
	case sourcePresent && !mirrorPresent:
		src := e.sourceEvent(p)
		return e.planCreate(p, *src, mirrorSide), true

	case sourcePresent && mirrorPresent:
		src := e.sourceEvent(p)
		return e.planExistingPair(p, *src, *mirrorEvent, mirrorSide, sum)

	case !sourcePresent && mirrorPresent && p.row != nil:
		return action{kind: actionDelete, targetSide: mirrorSide, targetID: p.idFor(mirrorSide), row: *p.row, dropRow: true}, true

	case !sourcePresent && !mirrorPresent && p.row != nil:
		if err := e.Store.Delete(*p.row); err != nil {
			e.Log.Error("drop dead mapping row", "outlook_id", p.row.Outlook, "error", err)
		}
		return action{}, false

	default:
		return action{}, false
	}
}

func (p pair) idFor(origin canonical.Origin) string {
	if origin == canonical.OriginOutlook {
		return p.outlookID
	}
	return p.googleID
}

func (e *Engine) sourceEvent(p pair) *canonical.Event {
	if p.sourceOrigin == canonical.OriginOutlook {
		return p.outlookEvent
	}
	return p.googleEvent
}

func (e *Engine) planCreate(p pair, src canonical.Event, mirrorSide canonical.Origin) action {
	payload := e.mirrorPayload(src)
	// Create is the only operation that needs to tell the adapter what
	// marker to write; updates must preserve whatever marker the
	// mirror already carries.
	payload.Marker = &canonical.Marker{OriginOfSource: src.Origin, SourceIDOnOtherSide: src.SourceID}
	row := mapping.Row{
		Origin: mapping.Origin(p.sourceOrigin),
	}
	if p.sourceOrigin == canonical.OriginOutlook {
		row.Outlook = src.SourceID
	} else {
		row.Google = src.SourceID
	}
	if p.row != nil {
		row = *p.row
	}
	return action{kind: actionCreate, targetSide: mirrorSide, payload: payload, authority: src, row: row}
}

// planExistingPair handles the four present/present rows of the
// decision table: no-op, source-changed update, mirror-changed update,
// and conflict.
func (e *Engine) planExistingPair(p pair, src, mirror canonical.Event, mirrorSide canonical.Origin, sum *Summary) (action, bool) {
	row := mapping.Row{Outlook: p.outlookID, Google: p.googleID, Origin: mapping.Origin(p.sourceOrigin)}
	if p.row != nil {
		row = *p.row
	}

	srcFP := canonical.Fingerprint(src)
	mirrorFP := canonical.Fingerprint(mirror)

	lastSrcFP := row.LastOutlookFingerprint
	lastMirrorFP := row.LastGoogleFingerprint
	if p.sourceOrigin == canonical.OriginGoogle {
		lastSrcFP, lastMirrorFP = row.LastGoogleFingerprint, row.LastOutlookFingerprint
	}

	// A stored fingerprint of none counts as unchanged: a row with no
	// prior confirmation on one side (the repair path already confirms
	// both on creation) has nothing to compare against yet.
	srcChanged := lastSrcFP != nil && *lastSrcFP != srcFP
	mirrorChanged := lastMirrorFP != nil && *lastMirrorFP != mirrorFP

	switch {
	case !srcChanged && !mirrorChanged:
		return action{}, false

	case srcChanged && !mirrorChanged:
		payload := e.mirrorPayload(src)
		return action{kind: actionUpdate, targetSide: mirrorSide, targetID: p.idFor(mirrorSide), payload: payload, authority: src, row: row}, true

	case !srcChanged && mirrorChanged:
		// Mirror drifted but source didn't: source is authoritative,
		// so the mirror is overwritten back to match it.
		payload := e.mirrorPayload(src)
		return action{kind: actionUpdate, targetSide: mirrorSide, targetID: p.idFor(mirrorSide), payload: payload, authority: src, row: row}, true

	default: // both changed: conflict
		sum.Conflicts++
		winner, winnerSide, targetSide, targetID := e.resolveConflict(p, src, mirror, mirrorSide)
		e.Log.Info("conflict resolved",
			"outlook_id", p.outlookID, "google_id", p.googleID,
			"winner", winnerSide, "src_last_modified", src.LastMod, "mirror_last_modified", mirror.LastMod)
		payload := e.mirrorPayload(winner)
		payload.Marker = nil // the target keeps its own marker (or none)
		a := action{kind: actionUpdate, targetSide: targetSide, targetID: targetID, payload: payload, authority: winner, row: row, isConflict: true}
		return a, true
	}
}

// resolveConflict applies last-write-wins with an Outlook tie-break. It
// returns the winning event, which side won, and the adapter target
// (side, id) that must be overwritten to match the winner.
func (e *Engine) resolveConflict(p pair, src, mirror canonical.Event, mirrorSide canonical.Origin) (winner canonical.Event, winnerSide, targetSide canonical.Origin, targetID string) {
	srcSide := p.sourceOrigin

	if src.LastMod.IsZero() || mirror.LastMod.IsZero() || src.LastMod.Equal(mirror.LastMod) {
		// Either timestamp missing, or tied: Outlook wins regardless
		// of which side is currently "source" for this pair.
		if srcSide == canonical.OriginOutlook {
			return src, canonical.OriginOutlook, mirrorSide, p.idFor(mirrorSide)
		}
		return mirror, canonical.OriginOutlook, srcSide, p.idFor(srcSide)
	}

	if src.LastMod.After(mirror.LastMod) || src.LastMod.Equal(mirror.LastMod) {
		return src, srcSide, mirrorSide, p.idFor(mirrorSide)
	}
	// Mirror is newer: it becomes authoritative for this one action;
	// the mapping row's origin is not changed.
	return mirror, mirrorSide, srcSide, p.idFor(srcSide)
}

// mirrorPayload applies the privacy/invitation policy and redaction mode
// to content about to be written to a mirror. This is enforced centrally
// so no adapter can accidentally leak visibility or attendees.
func (e *Engine) mirrorPayload(src canonical.Event) canonical.Event {
	out := src
	out.Privacy = canonical.PrivacyPrivate
	out.BusyStatus = canonical.BusyStatusBusy

	if e.Redaction == RedactionBusyOnly {
		out.Summary = "Busy"
		out.Description = ""
		out.Location = ""
	}
	return out
}

// execute runs planned actions through the adapters in the
// crash-safe order: deletes, then updates, then creates. A mapping
// store transaction is committed after each phase so that progress
// survives an interruption between phases.
func (e *Engine) execute(ctx context.Context, deletes, updates, creates []action, sum *Summary) error {
	if err := e.runPhase(ctx, deletes, sum); err != nil {
		return err
	}
	if err := checkCancel(ctx); err != nil {
		return nil
	}
	if err := e.runPhase(ctx, updates, sum); err != nil {
		return err
	}
	if err := checkCancel(ctx); err != nil {
		return nil
	}
	if err := e.runPhase(ctx, creates, sum); err != nil {
		return err
	}
	return nil
}

func checkCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (e *Engine) runPhase(ctx context.Context, actions []action, sum *Summary) error {
	if len(actions) == 0 {
		return nil
	}
	return e.Store.Transaction(func(tx *mapping.Tx) error {
		for _, a := range actions {
			if err := checkCancel(ctx); err != nil {
				return nil
			}
			if err := e.executeOne(ctx, tx, a, sum); err != nil {
				var auth *AuthError
				if errors.As(err, &auth) {
					return err
				}
				var transient *TransientAdapterError
				if errors.As(err, &transient) {
					e.Log.Warn("transient adapter error", "id", transient.SourceID, "kind", transient.Kind, "error", transient.Err)
					sum.Errors++
					continue
				}
				return err
			}
		}
		return nil
	})
}

func (e *Engine) adapterFor(side canonical.Origin) Adapter {
	if side == canonical.OriginOutlook {
		return e.Outlook
	}
	return e.Google
}

func (e *Engine) executeOne(ctx context.Context, tx *mapping.Tx, a action, sum *Summary) error {
	adapter := e.adapterFor(a.targetSide)

	switch a.kind {
	case actionDelete:
		if err := adapter.Delete(ctx, a.targetID); err != nil {
			return wrapAdapterErr(a.targetID, "delete", err)
		}
		if a.dropRow {
			if err := tx.Delete(a.row); err != nil {
				return err
			}
		}
		if a.targetSide == canonical.OriginOutlook {
			sum.DeletedOutlook++
		} else {
			sum.DeletedGoogle++
		}
		return nil

	case actionUpdate:
		if err := adapter.Update(ctx, a.targetID, a.payload); err != nil {
			return wrapAdapterErr(a.targetID, "update", err)
		}
		row := stampRow(a.row, a)
		if _, err := tx.Upsert(row); err != nil {
			return err
		}
		if a.targetSide == canonical.OriginOutlook {
			sum.UpdatedOutlook++
		} else {
			sum.UpdatedGoogle++
		}
		return nil

	case actionCreate:
		id, err := adapter.Create(ctx, a.payload)
		if err != nil {
			return wrapAdapterErr(a.payload.SourceID, "create", err)
		}
		row := a.row
		if a.targetSide == canonical.OriginOutlook {
			row.Outlook = id
		} else {
			row.Google = id
		}
		row = stampRow(row, a)
		if _, err := tx.Upsert(row); err != nil {
			return err
		}
		if a.targetSide == canonical.OriginOutlook {
			sum.CreatedOutlook++
		} else {
			sum.CreatedGoogle++
		}
		return nil
	}
	return nil
}

// stampRow updates the fingerprint/last-modified bookkeeping on both
// sides of a mapping row after a successful write to a.targetSide:
// a.payload is what the written side now holds (post privacy/redaction
// enforcement), and a.authority is the real content the untouched side
// holds. Both are recorded so the next tick's "changed since last sync"
// test compares against what is actually live on each side.
func stampRow(row mapping.Row, a action) mapping.Row {
	payloadFP := canonical.Fingerprint(a.payload)
	authorityFP := canonical.Fingerprint(a.authority)

	writtenAt := a.authority.LastMod
	if writtenAt.IsZero() {
		writtenAt = timeNowUTC()
	}

	if a.targetSide == canonical.OriginOutlook {
		row.LastOutlookFingerprint = &payloadFP
		row.LastOutlookModified = timeNowUTC()
		row.LastGoogleFingerprint = &authorityFP
		row.LastGoogleModified = writtenAt
	} else {
		row.LastGoogleFingerprint = &payloadFP
		row.LastGoogleModified = timeNowUTC()
		row.LastOutlookFingerprint = &authorityFP
		row.LastOutlookModified = writtenAt
	}
	return row
}

// timeNowUTC is a seam so stampRow's fallback path stays test-friendly
// without importing canonical's notion of "now".
var timeNowUTC = func() time.Time { return time.Now().UTC() }

func wrapAdapterErr(id, kind string, err error) error {
	var auth *AuthError
	if errors.As(err, &auth) {
		return err
	}
	var transient *TransientAdapterError
	if errors.As(err, &transient) {
		return err
	}
	return &TransientAdapterError{SourceID: id, Kind: kind, Err: err}
}
