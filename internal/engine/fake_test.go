package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lagyu/bridgecal/internal/canonical"
)

// fakeAdapter is an in-memory Adapter test double. It is deliberately
// minimal: no incremental cursor support, no recurrence expansion.
type fakeAdapter struct {
	mu      sync.Mutex
	origin  canonical.Origin
	events  map[string]canonical.Raw
	nextID  int
	failNew error // if set, the next Create/Update call returns this error once
}

func newFakeAdapter(origin canonical.Origin) *fakeAdapter {
	return &fakeAdapter{origin: origin, events: make(map[string]canonical.Raw)}
}

func (f *fakeAdapter) put(id string, raw canonical.Raw) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw.SourceID = id
	f.events[id] = raw
}

func (f *fakeAdapter) get(id string) (canonical.Raw, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.events[id]
	return r, ok
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeAdapter) ListWindow(ctx context.Context, start, end time.Time, cursor string) ([]canonical.Raw, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []canonical.Raw
	for _, r := range f.events {
		if r.Start.Before(end) && r.End.After(start) {
			out = append(out, r)
		}
	}
	return out, "", nil
}

func (f *fakeAdapter) Create(ctx context.Context, ev canonical.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew != nil {
		err := f.failNew
		f.failNew = nil
		return "", err
	}
	f.nextID++
	id := fmt.Sprintf("%s-%d", f.origin, f.nextID)
	f.events[id] = eventToRaw(id, ev)
	return id, nil
}

func (f *fakeAdapter) Update(ctx context.Context, id string, ev canonical.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew != nil {
		err := f.failNew
		f.failNew = nil
		return err
	}
	existing, ok := f.events[id]
	if !ok {
		return nil // MissingTarget is success
	}
	raw := eventToRaw(id, ev)
	raw.Marker = existing.Marker // the adapter contract preserves the marker across updates
	f.events[id] = raw
	return nil
}

func (f *fakeAdapter) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, id)
	return nil
}

func eventToRaw(id string, ev canonical.Event) canonical.Raw {
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
