package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lagoonworks/silt/internal/auth"
	"github.com/lagoonworks/silt/internal/cache"
	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/registry"
	"github.com/lagoonworks/silt/internal/store"
)

// Environment holds the shared process-level handles every flow runs
// against: tracking storage, the result cache, the auth registry, and
// the connector registry. One environment serves any number of flows.
type Environment struct {
	Logger   *slog.Logger
	Store    *store.Store
	Cache    cache.Store
	Auth     *auth.Registry
	Registry *registry.Registry
	// Exec bounds in-flight rows and bytes across every flow sharing
	// the environment. Zero values leave the dimension unbounded.
	Exec graph.ExecutionOptions
}

// NewEnvironment opens an environment rooted at dataDir: the tracking
// database and result cache live there as files.
func NewEnvironment(dataDir string, reg *registry.Registry) (*Environment, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(filepath.Join(dataDir, "tracking.db"))
	if err != nil {
		return nil, err
	}
	ca, err := cache.OpenBolt(filepath.Join(dataDir, "cache.db"))
	if err != nil {
		st.Close()
		return nil, err
	}
	au, err := auth.New(st.DB())
	if err != nil {
		ca.Close()
		st.Close()
		return nil, err
	}
	if reg != nil {
		// Spec bodies decoded through this registry get their auth
		// references resolved against this environment's entries.
		reg.UseAuth(func(raw []byte) ([]byte, error) {
			return au.ResolveSpecJSON(context.Background(), raw)
		})
	}
	return &Environment{
		Store:    st,
		Cache:    ca,
		Auth:     au,
		Registry: reg,
	}, nil
}

// Close releases the environment's storage handles. Flows opened
// against it must be closed first.
func (e *Environment) Close() error {
	var errs []error
	if e.Cache != nil {
		if err := e.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (e *Environment) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Environment) cache() cache.Store {
	if e.Cache != nil {
		return e.Cache
	}
	return cache.Disabled{}
}
