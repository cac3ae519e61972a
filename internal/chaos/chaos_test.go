package chaos

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"libraqueue/internal/circulation"
)

func constant(name string, v float64, threshold Threshold) Metric {
	return Metric{
		Name:      name,
		Query:     func(context.Context) (float64, error) { return v, nil },
		Threshold: threshold,
	}
}

func TestThresholdHolds(t *testing.T) {
	cases := []struct {
		op    string
		value float64
		want  bool
	}{
		{">", 2, true}, {">", 1, false},
		{"<", 0, true}, {"<", 1, false},
		{">=", 1, true}, {"<=", 1, true},
		{"==", 1, true}, {"==", 2, false},
		{"~", 1, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Threshold{Operator: c.op, Value: 1}.Holds(c.value), "%s %v", c.op, c.value)
	}
}

func TestRunExperiment_HypothesisHeld(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	var injected, rolledBack atomic.Bool

	result, err := engine.RunExperiment(context.Background(), Experiment{
		Name:        "steady",
		SteadyState: []Metric{constant("errors", 0, Threshold{Operator: "==", Value: 0})},
		Method: []Action{{Target: "x", Execute: func(context.Context) error {
			injected.Store(true)
			return nil
		}}},
		Rollback: []Action{{Target: "x", Execute: func(context.Context) error {
			rolledBack.Store(true)
			return nil
		}}},
		Validation: []Assertion{{
			Metric:    "errors",
			Condition: func(v float64) bool { return v == 0 },
			Message:   "no errors",
		}},
		Duration:       30 * time.Millisecond,
		SampleInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.True(t, injected.Load())
	assert.True(t, rolledBack.Load())
	assert.True(t, result.SteadyStateValid)
	assert.True(t, result.HypothesisHeld)
	assert.NotEmpty(t, result.Observations["errors"])
	assert.Len(t, engine.Results(), 1)
}

func TestRunExperiment_ViolationAndRecovery(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	var calls atomic.Int32
	flapping := Metric{
		Name: "availability",
		Query: func(context.Context) (float64, error) {
			// steady state check, then one bad sample, then healthy
			if calls.Add(1) == 2 {
				return 0, nil
			}
			return 100, nil
		},
		Threshold: Threshold{Operator: "==", Value: 100},
	}
	failing := errors.New("injection failed")

	result, err := engine.RunExperiment(context.Background(), Experiment{
		Name:        "flapping",
		SteadyState: []Metric{flapping},
		Method:      []Action{{Target: "db", Execute: func(context.Context) error { return failing }}},
		Validation: []Assertion{{
			Metric:    "availability",
			Condition: func(v float64) bool { return v == 100 },
			Message:   "recovers",
		}},
		Duration:       50 * time.Millisecond,
		SampleInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NotEmpty(t, result.Violations)
	assert.Equal(t, 0.0, result.Violations[0].Actual)
	assert.NotNil(t, result.MTTR)
	assert.True(t, result.HypothesisHeld)
	require.Len(t, result.ErrorEvents, 1)
	assert.Equal(t, "db", result.ErrorEvents[0].Component)
}

func TestRunExperiment_InvalidSteadyState(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	injected := false

	result, err := engine.RunExperiment(context.Background(), Experiment{
		Name:        "broken",
		SteadyState: []Metric{constant("errors", 3, Threshold{Operator: "==", Value: 0})},
		Method:      []Action{{Execute: func(context.Context) error { injected = true; return nil }}},
		Duration:    time.Millisecond,
	})

	assert.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.False(t, result.SteadyStateValid)
	assert.False(t, injected)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, 3.0, result.Violations[0].Actual)
}

func TestRunExperiment_UnobservedAssertionFails(t *testing.T) {
	result, err := NewEngine(nil).RunExperiment(context.Background(), Experiment{
		Name:       "unobserved",
		Validation: []Assertion{{Metric: "missing", Condition: func(float64) bool { return true }, Message: "missing metric"}},
		Duration:   time.Millisecond,
	})
	require.NoError(t, err)
	assert.False(t, result.HypothesisHeld)
	assert.Equal(t, []string{"missing metric"}, result.FailedAssertions)
}

func TestExecuteGameDay_SkipsAbortedExperiments(t *testing.T) {
	engine := NewEngine(zap.NewNop())
	ok := Experiment{Name: "ok", Duration: time.Millisecond}
	broken := Experiment{
		Name:        "broken",
		SteadyState: []Metric{constant("m", 1, Threshold{Operator: "<", Value: 0})},
		Duration:    time.Millisecond,
	}

	results, err := engine.ExecuteGameDay(context.Background(), GameDay{
		Name:      "weekly",
		Scenarios: []Experiment{ok, broken, ok},
		Pause:     time.Millisecond,
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

// collidingMover lets the first move win and rejects the rest with a
// position conflict, the way the storage index does.
type collidingMover struct {
	calls atomic.Int32
	fail  error
}

func (m *collidingMover) MoveRequestByID(_ context.Context, _, _ uuid.UUID, _ circulation.RequestType) (circulation.RequestAndRelatedRecords, error) {
	if m.calls.Add(1) == 1 {
		return circulation.RequestAndRelatedRecords{}, nil
	}
	if m.fail != nil {
		return circulation.RequestAndRelatedRecords{}, m.fail
	}
	return circulation.RequestAndRelatedRecords{}, circulation.ErrPositionConflict
}

func collisionTarget(n int) MoveCollisionTarget {
	target := MoveCollisionTarget{DestinationItemID: uuid.New()}
	for i := 0; i < n; i++ {
		target.RequestIDs = append(target.RequestIDs, uuid.New())
	}
	return target
}

func fastCollision(mover RequestMover, target MoveCollisionTarget) Experiment {
	exp := ConcurrentMovePositionCollision(mover, target, constant("duplicate_open_positions", 0, Threshold{Operator: "==", Value: 0}))
	exp.Duration = 20 * time.Millisecond
	exp.SampleInterval = 5 * time.Millisecond
	return exp
}

func TestConcurrentMovePositionCollision(t *testing.T) {
	mover := &collidingMover{}
	result, err := NewEngine(nil).RunExperiment(context.Background(), fastCollision(mover, collisionTarget(8)))
	require.NoError(t, err)

	assert.EqualValues(t, 8, mover.calls.Load())
	assert.True(t, result.HypothesisHeld, result.FailedAssertions)
	assert.Empty(t, result.ErrorEvents)

	last := func(name string) float64 {
		points := result.Observations[name]
		require.NotEmpty(t, points, name)
		return points[len(points)-1].Value
	}
	assert.Equal(t, 1.0, last("moves_succeeded"))
	assert.Equal(t, 7.0, last("moves_rejected"))
}

func TestConcurrentMovePositionCollision_UnexpectedError(t *testing.T) {
	mover := &collidingMover{fail: errors.New("connection reset")}
	result, err := NewEngine(nil).RunExperiment(context.Background(), fastCollision(mover, collisionTarget(3)))
	require.NoError(t, err)

	assert.False(t, result.HypothesisHeld)
	require.Len(t, result.ErrorEvents, 1)
	assert.Contains(t, result.ErrorEvents[0].Error, "connection reset")
}

func TestExpectedMoveError(t *testing.T) {
	assert.True(t, expectedMoveError(circulation.ErrPositionConflict))
	assert.True(t, expectedMoveError(circulation.ErrEditConflict))
	assert.True(t, expectedMoveError(&circulation.ValidationError{Message: "Item does not exist"}))
	assert.False(t, expectedMoveError(errors.New("timeout")))
}

func TestReleaseAfter_LogsReleaseFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	released := make(chan struct{})
	release := func(context.Context) error {
		defer close(released)
		return errors.New("connection already closed")
	}

	releaseAfter(time.Millisecond, release, zap.New(core))

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("release was not called")
	}
	require.Eventually(t, func() bool { return logs.Len() == 1 }, time.Second, 5*time.Millisecond)
	entry := logs.All()[0]
	assert.Equal(t, "failed to release held connections", entry.Message)
	assert.Equal(t, "connection already closed", entry.ContextMap()["error"])
}

func TestReleaseAfter_QuietOnSuccess(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	var calls atomic.Int32
	timer := releaseAfter(time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}, zap.New(core))
	defer timer.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, logs.Len())
}
