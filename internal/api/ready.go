package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/energyqa/energyqa/internal/config"
	"github.com/energyqa/energyqa/internal/grounding"
)

type ReadinessCheck func(ctx context.Context) error

// ReadyCheck is one named dependency reported by GET /v1/ready.
type ReadyCheck struct {
	Name  string
	Check ReadinessCheck
}

// handleReady runs every check concurrently under one deadline and reports each result by name.
func handleReady(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	timeout := deps.DependencyTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	results := make([]error, len(deps.ReadyChecks))
	var group errgroup.Group
	for i, dep := range deps.ReadyChecks {
		if dep.Check == nil {
			continue
		}
		group.Go(func() error {
			results[i] = dep.Check(ctx)
			return nil
		})
	}
	_ = group.Wait()

	checks := make(map[string]string, len(deps.ReadyChecks))
	failed := false
	for i, dep := range deps.ReadyChecks {
		switch {
		case dep.Check == nil:
			continue
		case results[i] != nil:
			checks[dep.Name] = results[i].Error()
			failed = true
		default:
			checks[dep.Name] = "ok"
		}
	}
	if failed {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", "a dependency is not ready", true, map[string]any{"checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "checks": checks})
}

// CheckDatabase pings the analytics database.
func CheckDatabase(pinger interface {
	PingContext(ctx context.Context) error
}) ReadinessCheck {
	return func(ctx context.Context) error {
		if pinger == nil {
			return errors.New("database is not configured")
		}
		return pinger.PingContext(ctx)
	}
}

// CheckIndexLoaded fails until a similarity index set has been installed.
func CheckIndexLoaded(indexes grounding.IndexProvider) ReadinessCheck {
	return func(_ context.Context) error {
		if indexes == nil || indexes.Current() == nil {
			return errors.New("similarity index is not loaded")
		}
		return nil
	}
}

// CheckObjectStoreConfig passes when the remote index mirror is off.
func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.Index.RemoteEnabled {
			return nil
		}
		switch {
		case cfg.ObjectStore.Endpoint == "":
			return errors.New("object store endpoint is not configured")
		case cfg.ObjectStore.Bucket == "":
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}
