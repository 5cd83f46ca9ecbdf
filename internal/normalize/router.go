// Package normalize turns queued provider webhooks into canonical delivery
// events. Each provider decodes into a closed set of event kinds; anything
// else is acknowledged and ignored. Every insert is keyed by the event's
// natural key, so a redelivered payload is a no-op.
package normalize

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"deliveryinsight/internal/cycle"
	"deliveryinsight/internal/db"
	"deliveryinsight/internal/settings"
)

var (
	// ErrUnknownSource is returned for queue rows from an unsupported provider.
	ErrUnknownSource = errors.New("unknown event source")
	// ErrMalformedPayload is returned when a payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
)

// SettingsLoader supplies the configuration snapshot for one dispatch.
type SettingsLoader interface {
	Load(ctx context.Context) (settings.Settings, error)
}

// Router dispatches queue rows to the normalizer of their source. It
// satisfies queue.Dispatcher.
type Router struct {
	settings SettingsLoader
	github   *GitHub
	jira     *Jira
	log      *zap.Logger
}

// NewRouter wires both normalizers over gdb.
func NewRouter(gdb *gorm.DB, log *zap.Logger, hasher Hasher, loader SettingsLoader) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	cycles := cycle.NewService(gdb, log)
	correlator := NewCorrelator(gdb, log)
	return &Router{
		settings: loader,
		github:   NewGitHub(gdb, log, hasher, cycles, correlator),
		jira:     NewJira(gdb, log, hasher, cycles, correlator),
		log:      log,
	}
}

// Dispatch normalizes one queue row. Settings are reloaded per row so a
// configuration change applies from the next row on.
func (r *Router) Dispatch(ctx context.Context, item db.QueueItem) error {
	st, err := r.settings.Load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	kind := ""
	if item.EventKind != nil {
		kind = *item.EventKind
	}

	switch item.EventSource {
	case db.EventSourceGitHub:
		if kind == "" {
			return fmt.Errorf("%w: github event kind missing", ErrMalformedPayload)
		}
		return r.github.Normalize(ctx, kind, item.Payload, st)
	case db.EventSourceJira:
		return r.jira.Normalize(ctx, kind, item.Payload, st)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSource, item.EventSource)
	}
}
