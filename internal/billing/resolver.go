package billing

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrNoReadingEndpoint is returned when no candidate reading route answers
// with a usable listing. Callers degrade gracefully: the reading history is
// simply empty.
var ErrNoReadingEndpoint = errors.New("no reading endpoint available")

// ReadingSource is the probing surface the resolver needs from the client
type ReadingSource interface {
	FetchReadings(ctx context.Context, route string) ([]ReadingRow, bool, error)
}

// Resolver probes an ordered list of candidate reading-list routes and adopts
// the first usable one for the rest of the session. The backend's route name
// for this resource is not stable across deployments.
type Resolver struct {
	source     ReadingSource
	candidates []string
	logger     *zap.Logger

	mu      sync.Mutex
	adopted string
}

// NewResolver creates a new reading-route resolver
func NewResolver(source ReadingSource, candidates []string, logger *zap.Logger) *Resolver {
	return &Resolver{
		source:     source,
		candidates: candidates,
		logger:     logger,
	}
}

// Adopted returns the route adopted for this session, or "" before adoption
func (r *Resolver) Adopted() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adopted
}

// FetchAll lists canonical readings, probing candidates in order until one of
// them is adopted. Once a route is adopted it is reused without re-probing.
func (r *Resolver) FetchAll(ctx context.Context) ([]ReadingRow, error) {
	r.mu.Lock()
	adopted := r.adopted
	r.mu.Unlock()

	if adopted != "" {
		rows, usable, err := r.source.FetchReadings(ctx, adopted)
		if err != nil {
			return nil, err
		}
		if !usable {
			// Adopted route stopped answering; keep it for the session
			// and report an empty listing rather than re-probing mid-flight.
			r.logger.Warn("adopted reading route no longer usable", zap.String("route", adopted))
			return nil, nil
		}
		return rows, nil
	}

	for _, candidate := range r.candidates {
		rows, usable, err := r.source.FetchReadings(ctx, candidate)
		if err != nil {
			r.logger.Warn("reading route probe failed",
				zap.String("route", candidate),
				zap.Error(err))
			continue
		}
		if !usable {
			r.logger.Debug("reading route not usable", zap.String("route", candidate))
			continue
		}

		r.mu.Lock()
		r.adopted = candidate
		r.mu.Unlock()

		r.logger.Info("adopted reading route", zap.String("route", candidate))
		return rows, nil
	}

	return nil, ErrNoReadingEndpoint
}
