package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/okm-core/internal/access"
)

// ErrNoStore is returned by Run without a store.
var ErrNoStore = errors.New("recovery: no store")

// Store is the part of the permission store the check uses.
type Store interface {
	AuditKeys(ctx context.Context) ([]string, error)
	LatestEntriesPerDevice(ctx context.Context, keyID string) ([]access.AuditEntry, error)
	AppendAudit(ctx context.Context, keyID string, deviceID int, ts time.Time, state access.LockState) error
}

// StateResetter puts a device back to locked. The crawler's StateOwner
// satisfies it.
type StateResetter interface {
	ForceLocked(deviceID int) bool
}

// Logger interface for optional logging.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Options configures Run.
type Options struct {
	Store Store

	// State is reset for every repaired device. Optional.
	State StateResetter

	// Now stamps the synthetic entries. Defaults to time.Now.
	Now func() time.Time

	Logger Logger
}

// Repair is one session closed by the check.
type Repair struct {
	KeyID    string    `json:"key_id"`
	DeviceID int       `json:"device_id"`
	OpenedAt time.Time `json:"opened_at"`
	ClosedAt time.Time `json:"closed_at"`
}

// Report summarises a run.
type Report struct {
	KeysScanned int      `json:"keys_scanned"`
	Repairs     []Repair `json:"repairs"`
}

// Run performs the check. Any store error aborts it; entries appended
// before the error stay, and a later run resumes where this one stopped.
func Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	keys, err := opts.Store.AuditKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing audit keys: %w", err)
	}

	report := &Report{KeysScanned: len(keys)}
	for _, keyID := range keys {
		latest, err := opts.Store.LatestEntriesPerDevice(ctx, keyID)
		if err != nil {
			return report, fmt.Errorf("reading latest entries for key %s: %w", keyID, err)
		}

		for _, e := range latest {
			if e.State != access.LockStateUnlocked {
				continue
			}

			// Never close a session before it opened, even if the clock
			// stepped back across the restart.
			now := opts.Now()
			if now.Before(e.Timestamp) {
				now = e.Timestamp
			}
			if err := opts.Store.AppendAudit(ctx, keyID, e.DeviceID, now, access.LockStateError); err != nil {
				return report, fmt.Errorf("closing session for key %s on device %d: %w", keyID, e.DeviceID, err)
			}
			if opts.State != nil {
				opts.State.ForceLocked(e.DeviceID)
			}

			report.Repairs = append(report.Repairs, Repair{
				KeyID:    keyID,
				DeviceID: e.DeviceID,
				OpenedAt: e.Timestamp,
				ClosedAt: now,
			})
			opts.Logger.Warn("closed session interrupted by a crash",
				"key_id", keyID,
				"device_id", e.DeviceID,
				"opened_at", e.Timestamp,
			)
		}
	}

	opts.Logger.Info("recovery check complete",
		"keys_scanned", report.KeysScanned,
		"repairs", len(report.Repairs),
	)
	return report, nil
}
