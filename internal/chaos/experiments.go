package chaos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"libraqueue/internal/circulation"
)

// RequestMover is the part of the circulation service the move experiments
// drive.
type RequestMover interface {
	MoveRequestByID(ctx context.Context, requestID, destinationItemID uuid.UUID, requestType circulation.RequestType) (circulation.RequestAndRelatedRecords, error)
}

// QueueReader reads a request queue.
type QueueReader interface {
	GetRequestQueue(ctx context.Context, itemID uuid.UUID) (circulation.RequestQueue, error)
}

// MoveCollisionTarget names the requests to move at once and the item they
// all move to.
type MoveCollisionTarget struct {
	RequestIDs        []uuid.UUID
	DestinationItemID uuid.UUID
}

// Metric queries over the requests table.
const (
	duplicateOpenPositionsQuery = `
		SELECT COUNT(*) FROM (
			SELECT item_id, position FROM requests
			WHERE status LIKE 'Open%'
			GROUP BY item_id, position
			HAVING COUNT(*) > 1
		) d`
	nonContiguousQueuesQuery = `
		SELECT COUNT(*) FROM (
			SELECT item_id FROM requests
			WHERE status LIKE 'Open%'
			GROUP BY item_id
			HAVING MIN(position) <> 1 OR MAX(position) <> COUNT(*)
		) g`
)

func countQuery(db *sqlx.DB, query string) func(context.Context) (float64, error) {
	return func(ctx context.Context) (float64, error) {
		var n int
		if err := db.GetContext(ctx, &n, query); err != nil {
			return 0, err
		}
		return float64(n), nil
	}
}

// DuplicateOpenPositions counts (item, position) pairs held by more than one
// open request.
func DuplicateOpenPositions(db *sqlx.DB) Metric {
	return Metric{
		Name:      "duplicate_open_positions",
		Query:     countQuery(db, duplicateOpenPositionsQuery),
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// NonContiguousQueues counts items whose open positions are not 1..n.
func NonContiguousQueues(db *sqlx.DB) Metric {
	return Metric{
		Name:      "non_contiguous_queues",
		Query:     countQuery(db, nonContiguousQueuesQuery),
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// expectedMoveError reports whether err is an outcome a losing concurrent
// move is allowed to see.
func expectedMoveError(err error) bool {
	if errors.Is(err, circulation.ErrPositionConflict) || errors.Is(err, circulation.ErrEditConflict) {
		return true
	}
	_, ok := circulation.AsValidationError(err)
	return ok
}

// ConcurrentMovePositionCollision moves every target request onto the same
// destination at once. Moves compute their position without a lock, so some
// must lose; the hypothesis is that storage rejects the losers and no two
// open requests ever share a position.
func ConcurrentMovePositionCollision(mover RequestMover, target MoveCollisionTarget, steadyState ...Metric) Experiment {
	var moved, rejected, unexpected atomic.Int64

	counter := func(name string, v *atomic.Int64, threshold Threshold) Metric {
		return Metric{
			Name:      name,
			Query:     func(context.Context) (float64, error) { return float64(v.Load()), nil },
			Threshold: threshold,
		}
	}
	metrics := append([]Metric{
		counter("unexpected_move_errors", &unexpected, Threshold{Operator: "==", Value: 0}),
		counter("moves_succeeded", &moved, Threshold{Operator: ">=", Value: 0}),
		counter("moves_rejected", &rejected, Threshold{Operator: ">=", Value: 0}),
	}, steadyState...)

	validation := []Assertion{
		{
			Metric:    "unexpected_move_errors",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "Losing moves should fail with a conflict or validation error only",
		},
	}
	for _, m := range steadyState {
		name := m.Name
		validation = append(validation, Assertion{
			Metric:    name,
			Condition: func(v float64) bool { return v == 0 },
			Message:   fmt.Sprintf("%s should stay at zero", name),
		})
	}

	return Experiment{
		Name:        "concurrent-move-position-collision",
		Hypothesis:  "Concurrent moves onto one item never leave two open requests at the same position",
		SteadyState: metrics,
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "circulation-service",
				Parameters: map[string]any{
					"concurrency":         len(target.RequestIDs),
					"destination_item_id": target.DestinationItemID.String(),
				},
				Execute: func(ctx context.Context) error {
					start := make(chan struct{})
					var wg sync.WaitGroup
					var mu sync.Mutex
					var errs []error
					for _, id := range target.RequestIDs {
						wg.Add(1)
						go func(id uuid.UUID) {
							defer wg.Done()
							<-start
							_, err := mover.MoveRequestByID(ctx, id, target.DestinationItemID, "")
							switch {
							case err == nil:
								moved.Add(1)
							case expectedMoveError(err):
								rejected.Add(1)
							default:
								unexpected.Add(1)
								mu.Lock()
								errs = append(errs, fmt.Errorf("move %s: %w", id, err))
								mu.Unlock()
							}
						}(id)
					}
					close(start)
					wg.Wait()
					return errors.Join(errs...)
				},
			},
		},
		Validation:     validation,
		Duration:       2 * time.Second,
		SampleInterval: 500 * time.Millisecond,
		BlastRadius:    0.1,
	}
}

// QueueReadAvailability reads GetRequestQueue for itemID and reports 100 on
// success within timeout, 0 otherwise.
func QueueReadAvailability(reader QueueReader, itemID uuid.UUID, timeout time.Duration) Metric {
	return Metric{
		Name: "queue_read_availability",
		Query: func(ctx context.Context) (float64, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if _, err := reader.GetRequestQueue(ctx, itemID); err != nil {
				return 0, nil
			}
			return 100, nil
		},
		Threshold: Threshold{Operator: "==", Value: 100},
	}
}

// ConnectionPoolExhaustion holds connections of db while sampling queue
// reads. The hypothesis is that reads recover once the connections are
// released.
func ConnectionPoolExhaustion(db *sqlx.DB, steady Metric, connections int, hold time.Duration, logger *zap.Logger) Experiment {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		mu    sync.Mutex
		conns []*sql.Conn
	)
	release := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		var errs []error
		for _, c := range conns {
			errs = append(errs, c.Close())
		}
		conns = nil
		return errors.Join(errs...)
	}

	return Experiment{
		Name:        "database-connection-pool-exhaustion",
		Hypothesis:  "Queue reads recover after the connection pool is exhausted and released",
		SteadyState: []Metric{steady},
		Method: []Action{
			{
				Type:       "exhaust-connections",
				Target:     "postgres-connection-pool",
				Parameters: map[string]any{"connections": connections, "hold": hold.String()},
				Execute: func(ctx context.Context) error {
					mu.Lock()
					defer mu.Unlock()
					for i := 0; i < connections; i++ {
						acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
						conn, err := db.Conn(acquireCtx)
						cancel()
						if err != nil {
							break
						}
						conns = append(conns, conn)
					}
					releaseAfter(hold, release, logger)
					return nil
				},
			},
		},
		Rollback: []Action{
			{Type: "release-connections", Target: "postgres-connection-pool", Execute: release},
		},
		Validation: []Assertion{
			{
				Metric:    steady.Name,
				Condition: func(v float64) bool { return v == 100 },
				Message:   "Queue reads should be available again by the end of the experiment",
			},
		},
		Duration:       hold + 2*time.Second,
		SampleInterval: 250 * time.Millisecond,
		BlastRadius:    1.0,
	}
}

// releaseAfter runs release once hold has passed and logs its error.
func releaseAfter(hold time.Duration, release func(context.Context) error, logger *zap.Logger) *time.Timer {
	return time.AfterFunc(hold, func() {
		if err := release(context.Background()); err != nil {
			logger.Warn("failed to release held connections", zap.Error(err))
		}
	})
}

// RegisterExperiments registers the queue experiments with the engine.
func (e *Engine) RegisterExperiments(db *sqlx.DB, svc circulation.Service, target MoveCollisionTarget) {
	e.RegisterExperiment(ConcurrentMovePositionCollision(svc, target,
		DuplicateOpenPositions(db),
		NonContiguousQueues(db),
	))
	e.RegisterExperiment(ConnectionPoolExhaustion(db,
		QueueReadAvailability(svc, target.DestinationItemID, 500*time.Millisecond),
		db.Stats().MaxOpenConnections,
		3*time.Second,
		e.logger,
	))
}
