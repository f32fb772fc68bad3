// Package fake provides an in-memory Adapter implementation for tests
// and for local dry-runs without live credentials.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lagyu/bridgecal/internal/canonical"
)

// Adapter is an in-memory calendar side. It satisfies engine.Adapter
// without importing the engine package, so it can be reused by both
// internal/engine's own tests (via a thin local copy) and by callers
// wiring a dry-run Engine from cmd/bridgecal.
type Adapter struct {
	mu     sync.Mutex
	origin canonical.Origin
	events map[string]canonical.Raw
	nextID int
}

// New constructs an empty in-memory adapter for the given origin.
func New(origin canonical.Origin) *Adapter {
	return &Adapter{origin: origin, events: make(map[string]canonical.Raw)}
}

// Seed inserts a raw record directly, bypassing Create, as if it already
// existed natively on this side before the engine ever ran.
func (a *Adapter) Seed(id string, raw canonical.Raw) {
	a.mu.Lock()
	defer a.mu.Unlock()
	raw.SourceID = id
	a.events[id] = raw
}

// Snapshot returns a copy of all currently held records, keyed by id.
func (a *Adapter) Snapshot() map[string]canonical.Raw {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]canonical.Raw, len(a.events))
	for k, v := range a.events {
		out[k] = v
	}
	return out
}

// ListWindow returns every record whose interval intersects [start, end).
func (a *Adapter) ListWindow(ctx context.Context, start, end time.Time, cursor string) ([]canonical.Raw, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []canonical.Raw
	for _, r := range a.events {
		if r.Start.Before(end) && r.End.After(start) {
			out = append(out, r)
		}
	}
	return out, "", nil
}

// Create assigns a new local id and stores the event, carrying whatever
// marker the caller set on ev.
func (a *Adapter) Create(ctx context.Context, ev canonical.Event) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := fmt.Sprintf("%s-local-%d", a.origin, a.nextID)
	a.events[id] = toRaw(id, ev)
	return id, nil
}

// Update overwrites the event at id, preserving whatever marker is
// already stored there regardless of ev.Marker.
func (a *Adapter) Update(ctx context.Context, id string, ev canonical.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	existing, ok := a.events[id]
	if !ok {
		return nil
	}
	raw := toRaw(id, ev)
	raw.Marker = existing.Marker
	a.events[id] = raw
	return nil
}

// Delete removes the event at id. Missing targets are not an error.
func (a *Adapter) Delete(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.events, id)
	return nil
}

func toRaw(id string, ev canonical.Event) canonical.Raw {
	return canonical.Raw{
		SourceID:    id,
		Start:       ev.Start,
		End:         ev.End,
		IsAllDay:    ev.IsAllDay,
		Summary:     ev.Summary,
		Location:    ev.Location,
		Description: ev.Description,
		BusyStatus:  ev.BusyStatus,
		Privacy:     ev.Privacy,
		LastMod:     ev.LastMod,
		Marker:      ev.Marker,
	}
}
