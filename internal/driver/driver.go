// Package driver runs the reconciliation Engine on a schedule: once, or
// in a bounded loop with cooperative cancellation between ticks.
package driver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lagyu/bridgecal/internal/canonical"
	"github.com/lagyu/bridgecal/internal/config"
	"github.com/lagyu/bridgecal/internal/engine"
)

// Exit codes propagated to the process per the error taxonomy.
const (
	ExitOK          = 0
	ExitConfigError = 2
	ExitAuthError   = 3
	ExitRuntime     = 4
)

// Runner is the subset of Engine the driver depends on, narrowed for
// testability.
type Runner interface {
	Run(ctx context.Context, w engine.Window) (engine.Summary, error)
}

// Driver wires a Runner to a window policy and reports one summary per
// tick through OnTick, if set.
type Driver struct {
	Runner Runner
	Window config.WindowConfig
	Log    *slog.Logger

	// OnTick, if non-nil, is called after every tick (success or
	// failure) before the driver decides whether to continue looping.
	OnTick func(engine.Summary, error)

	// Now is a seam for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

// New constructs a Driver. log may be nil, in which case slog.Default()
// is used.
func New(runner Runner, window config.WindowConfig, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}
	return &Driver{Runner: runner, Window: window, Log: log, Now: time.Now}
}

// RunOnce executes a single reconciliation tick and maps any returned
// error to an exit code.
func (d *Driver) RunOnce(ctx context.Context) (engine.Summary, int) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	w, err := engine.NewWindow(now(), d.Window.Past(), d.Window.Future())
	if err != nil {
		d.Log.Error("invalid sync window", "error", err)
		return engine.Summary{}, ExitConfigError
	}

	sum, err := d.Runner.Run(ctx, w)
	if d.OnTick != nil {
		d.OnTick(sum, err)
	}
	if err == nil {
		d.logSummary(sum)
		return sum, ExitOK
	}

	code := classifyErr(err)
	switch code {
	case ExitAuthError:
		d.Log.Error("authentication failed", "error", err)
	case ExitConfigError:
		d.Log.Error("configuration error", "error", err)
	case ExitRuntime:
		d.Log.Warn("tick completed with transient errors and no progress", "error", err)
	default:
		d.Log.Error("tick failed", "error", err)
	}
	return sum, code
}

// classifyErr maps an Engine error to a process exit code per the error
// taxonomy: ConfigError -> 2, AuthError -> 3, transient-with-no-progress
// -> 4, anything else -> 4 (treated as a runtime error, never silently
// OK).
func classifyErr(err error) int {
	var auth *engine.AuthError
	if errors.As(err, &auth) {
		return ExitAuthError
	}
	if errors.Is(err, canonical.ErrMissingWindow) {
		return ExitConfigError
	}
	if errors.Is(err, engine.ErrTransientWithNoProgress) {
		return ExitRuntime
	}
	return ExitRuntime
}

func (d *Driver) logSummary(sum engine.Summary) {
	d.Log.Info("tick complete",
		"scanned_outlook", sum.ScannedOutlook, "scanned_google", sum.ScannedGoogle,
		"outlook_src", sum.OutlookSource, "outlook_mirror", sum.OutlookMirror,
		"google_src", sum.GoogleSource, "google_mirror", sum.GoogleMirror,
		"created_outlook", sum.CreatedOutlook, "created_google", sum.CreatedGoogle,
		"updated_outlook", sum.UpdatedOutlook, "updated_google", sum.UpdatedGoogle,
		"deleted_outlook", sum.DeletedOutlook, "deleted_google", sum.DeletedGoogle,
		"conflicts", sum.Conflicts, "errors", sum.Errors,
	)
}

// RunLoop ticks every Window.Interval() until ctx is cancelled.
// Cancellation is observed immediately during the sleep between ticks; a
// tick already in flight always runs to its next checkpoint before
// RunLoop returns, per the Engine's own cooperative-cancellation
// contract.
func (d *Driver) RunLoop(ctx context.Context) int {
	interval := d.Window.Interval()
	if interval <= 0 {
		d.Log.Error("invalid interval_seconds for loop mode")
		return ExitConfigError
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastCode := ExitOK
	for {
		_, code := d.RunOnce(ctx)
		lastCode = code
		if code == ExitConfigError || code == ExitAuthError {
			return code
		}

		select {
		case <-ctx.Done():
			return lastCode
		case <-ticker.C:
		}
	}
}
