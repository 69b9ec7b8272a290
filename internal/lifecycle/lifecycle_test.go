package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mpataki/gun/internal/lifecycle"
	"github.com/mpataki/gun/internal/livelog"
	"github.com/mpataki/gun/internal/logger/mocks"
	"github.com/mpataki/gun/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	P = models.StatusPending
	R = models.StatusRunning
	S = models.StatusSuccess
	F = models.StatusFailed
)

type recordingStore struct {
	mu         sync.Mutex
	executions []models.Status
	commands   []models.Status
	units      []models.Status
}

func (s *recordingStore) UpdateExecution(_ context.Context, e *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, e.Status)
	return nil
}

func (s *recordingStore) UpdateExecutionCommand(_ context.Context, c *models.ExecutionCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, c.Status)
	return nil
}

func (s *recordingStore) UpdateExecutionCommandServer(_ context.Context, u *models.ExecutionCommandServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, u.Status)
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newExecution(unitsPerCommand ...int) *models.Execution {
	exec := &models.Execution{ID: 1, Status: P}
	var unitID int64
	for i, n := range unitsPerCommand {
		cmd := &models.ExecutionCommand{ID: int64(i + 1), Rank: i + 1, Status: P}
		for j := 0; j < n; j++ {
			unitID++
			cmd.Servers = append(cmd.Servers, &models.ExecutionCommandServer{ID: unitID, Status: P})
		}
		exec.Commands = append(exec.Commands, cmd)
	}
	return exec
}

func TestTransition(t *testing.T) {
	allowed := [][2]models.Status{{P, R}, {P, F}, {R, S}, {R, F}}
	for _, tr := range allowed {
		assert.NoError(t, lifecycle.Transition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]models.Status{{P, S}, {R, P}, {S, R}, {S, F}, {F, R}, {F, S}, {R, R}}
	for _, tr := range denied {
		err := lifecycle.Transition(tr[0], tr[1])
		require.Error(t, err, "%s -> %s", tr[0], tr[1])
		assert.True(t, errors.Is(err, lifecycle.ErrInvalidTransition))
	}
}

func TestAggregateUnits(t *testing.T) {
	cases := []struct {
		in   []models.Status
		want models.Status
	}{
		{nil, S},
		{[]models.Status{P, P}, P},
		{[]models.Status{R, P}, R},
		{[]models.Status{S, P}, R},
		{[]models.Status{F, R}, R},
		{[]models.Status{S, S}, S},
		{[]models.Status{S, F}, F},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, lifecycle.AggregateUnits(tc.in), "%v", tc.in)
	}
}

func TestAggregateCommands(t *testing.T) {
	cases := []struct {
		in   []models.Status
		want models.Status
	}{
		{nil, S},
		{[]models.Status{P, P}, P},
		{[]models.Status{R, P}, R},
		{[]models.Status{S, P}, R},
		{[]models.Status{S, F, P}, F},
		{[]models.Status{S, S}, S},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, lifecycle.AggregateCommands(tc.in), "%v", tc.in)
	}
}

func TestMachine_AllSuccess(t *testing.T) {
	ctx := context.Background()
	exec := newExecution(2, 1)
	store := &recordingStore{}
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := lifecycle.NewMachine(exec, store, nil, clock.Now)

	require.NoError(t, m.Begin(ctx))
	assert.Equal(t, R, exec.Status)

	for _, cmd := range exec.Commands {
		require.NoError(t, m.StartCommand(ctx, cmd))
		for _, u := range cmd.Servers {
			require.NoError(t, m.StartUnit(ctx, u))
			code := 0
			require.NoError(t, m.FinishUnit(ctx, cmd, u, S, &code, "ok"))
		}
		status, err := m.FinishCommand(cmd)
		require.NoError(t, err)
		assert.Equal(t, S, status)
	}

	status, err := m.Finish(ctx)
	require.NoError(t, err)
	assert.Equal(t, S, status)
	require.NotNil(t, exec.TimeStart)
	require.NotNil(t, exec.TimeEnd)
	assert.False(t, exec.TimeEnd.Before(*exec.TimeStart))
	assert.Equal(t, []models.Status{R, S}, store.executions)
}

func TestMachine_CommandFailsOnlyAfterSiblingsFinish(t *testing.T) {
	ctx := context.Background()
	exec := newExecution(2)
	cmd := exec.Commands[0]
	m := lifecycle.NewMachine(exec, &recordingStore{}, nil, nil)

	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.StartCommand(ctx, cmd))
	require.NoError(t, m.StartUnit(ctx, cmd.Servers[0]))
	require.NoError(t, m.StartUnit(ctx, cmd.Servers[1]))

	code := 1
	require.NoError(t, m.FinishUnit(ctx, cmd, cmd.Servers[0], F, &code, "boom"))
	assert.Equal(t, R, cmd.Status)
	_, err := m.FinishCommand(cmd)
	assert.True(t, errors.Is(err, lifecycle.ErrNotSettled))

	ok := 0
	require.NoError(t, m.FinishUnit(ctx, cmd, cmd.Servers[1], S, &ok, ""))
	assert.Equal(t, F, cmd.Status)
	assert.NotNil(t, cmd.TimeEnd)

	status, err := m.Finish(ctx)
	require.NoError(t, err)
	assert.Equal(t, F, status)
}

func TestMachine_ZeroUnitCommandSucceeds(t *testing.T) {
	ctx := context.Background()
	exec := newExecution(0)
	m := lifecycle.NewMachine(exec, &recordingStore{}, nil, nil)

	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.StartCommand(ctx, exec.Commands[0]))
	assert.Equal(t, S, exec.Commands[0].Status)

	status, err := m.Finish(ctx)
	require.NoError(t, err)
	assert.Equal(t, S, status)
}

func TestMachine_TerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	exec := newExecution(1)
	cmd := exec.Commands[0]
	unit := cmd.Servers[0]
	m := lifecycle.NewMachine(exec, &recordingStore{}, nil, nil)

	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.StartCommand(ctx, cmd))
	require.NoError(t, m.StartUnit(ctx, unit))
	require.NoError(t, m.FinishUnit(ctx, cmd, unit, S, nil, ""))

	err := m.FinishUnit(ctx, cmd, unit, F, nil, "")
	assert.True(t, errors.Is(err, lifecycle.ErrInvalidTransition))
	assert.Equal(t, S, unit.Status)

	err = m.FinishUnit(ctx, cmd, unit, R, nil, "")
	assert.True(t, errors.Is(err, lifecycle.ErrInvalidTransition))

	assert.Error(t, m.Begin(ctx))
}

func TestMachine_TimestampsAreStampedOnce(t *testing.T) {
	ctx := context.Background()
	exec := newExecution(1)
	clock := &fakeClock{t: time.Unix(0, 0)}
	m := lifecycle.NewMachine(exec, &recordingStore{}, nil, clock.Now)

	require.NoError(t, m.Begin(ctx))
	start := *exec.TimeStart

	require.NoError(t, m.Abort(ctx, "stopped"))
	assert.Equal(t, start, *exec.TimeStart)
	end := *exec.TimeEnd

	require.NoError(t, m.Abort(ctx, "again"))
	assert.Equal(t, end, *exec.TimeEnd)
	assert.Equal(t, F, exec.Status)
	assert.Equal(t, P, exec.Commands[0].Status)
}

func TestMachine_AbortPendingExecution(t *testing.T) {
	ctx := context.Background()
	exec := newExecution(1)
	sink := livelog.NewMemory()
	m := lifecycle.NewMachine(exec, &recordingStore{}, sink, nil)

	require.NoError(t, m.Abort(ctx, "queue full"))
	assert.Equal(t, F, exec.Status)
	assert.NotNil(t, exec.TimeStart)
	assert.NotNil(t, exec.TimeEnd)

	entries, err := sink.Since(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "queue full", entries[0].Data)
}

func TestMachine_ConcurrentUnitsOfOneCommand(t *testing.T) {
	ctx := context.Background()
	exec := newExecution(16)
	cmd := exec.Commands[0]
	store := &recordingStore{}
	m := lifecycle.NewMachine(exec, store, livelog.NewMemory(), nil)

	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.StartCommand(ctx, cmd))

	var wg sync.WaitGroup
	for _, u := range cmd.Servers {
		wg.Add(1)
		go func(u *models.ExecutionCommandServer) {
			defer wg.Done()
			assert.NoError(t, m.StartUnit(ctx, u))
			code := 0
			assert.NoError(t, m.FinishUnit(ctx, cmd, u, S, &code, ""))
		}(u)
	}
	wg.Wait()

	assert.Equal(t, S, cmd.Status)
	assert.Len(t, store.units, 32)
}

func TestMachine_InterruptSettlesRunningWork(t *testing.T) {
	ctx := context.Background()
	exec := newExecution(2, 1)
	cmd := exec.Commands[0]
	sink := livelog.NewMemory()
	store := &recordingStore{}
	m := lifecycle.NewMachine(exec, store, sink, nil)

	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.StartCommand(ctx, cmd))
	require.NoError(t, m.StartUnit(ctx, cmd.Servers[0]))
	code := 0
	require.NoError(t, m.FinishUnit(ctx, cmd, cmd.Servers[0], S, &code, "done"))
	require.NoError(t, m.StartUnit(ctx, cmd.Servers[1]))
	_, err := sink.Append(ctx, models.LiveLogEntry{ExecutionID: exec.ID, UnitID: cmd.Servers[1].ID, Event: models.EventOutput, Data: "half way\n"})
	require.NoError(t, err)

	require.NoError(t, m.Interrupt(ctx, "dispatcher shut down"))

	assert.Equal(t, F, exec.Status)
	assert.NotNil(t, exec.TimeEnd)
	assert.Equal(t, F, cmd.Status)
	assert.Equal(t, S, cmd.Servers[0].Status)
	assert.Equal(t, "done", cmd.Servers[0].Output)
	assert.Equal(t, F, cmd.Servers[1].Status)
	assert.Nil(t, cmd.Servers[1].ReturnCode)
	assert.Equal(t, "half way\n", cmd.Servers[1].Output)
	assert.Equal(t, P, exec.Commands[1].Status)
	assert.Equal(t, P, exec.Commands[1].Servers[0].Status)

	// the worker that still holds the machine can no longer write
	err = m.FinishUnit(ctx, cmd, cmd.Servers[1], S, &code, "late")
	assert.True(t, errors.Is(err, lifecycle.ErrInterrupted))
	_, err = m.Finish(ctx)
	assert.True(t, errors.Is(err, lifecycle.ErrInterrupted))
	assert.Equal(t, F, cmd.Servers[1].Status)

	require.NoError(t, m.Interrupt(ctx, "again"))
	assert.Equal(t, []models.Status{R, F}, store.executions)
}

func TestMachine_InterruptTerminalExecution(t *testing.T) {
	ctx := context.Background()
	exec := newExecution(0)
	store := &recordingStore{}
	m := lifecycle.NewMachine(exec, store, nil, nil)

	require.NoError(t, m.Begin(ctx))
	require.NoError(t, m.StartCommand(ctx, exec.Commands[0]))
	_, err := m.Finish(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Interrupt(ctx, "late"))
	assert.Equal(t, S, exec.Status)
	assert.Equal(t, []models.Status{R, S}, store.executions)
}

type brokenSink struct{}

func (brokenSink) Append(context.Context, models.LiveLogEntry) (int64, error) {
	return 0, errors.New("disk full")
}

func (brokenSink) ReadOutput(context.Context, int64) (string, error) {
	return "", errors.New("disk full")
}

func (brokenSink) Since(context.Context, int64, int64) ([]models.LiveLogEntry, error) {
	return nil, errors.New("disk full")
}

func TestMachine_LiveLogFailureIsLogged(t *testing.T) {
	ctrl := gomock.NewController(t)
	log := mocks.NewMockLogger(ctrl)
	log.EXPECT().Error(gomock.Any(), "event", models.EventExecution).Times(1)

	exec := newExecution(1)
	m := lifecycle.NewMachine(exec, &recordingStore{}, brokenSink{}, nil, lifecycle.WithLogger(log))

	require.NoError(t, m.Begin(context.Background()))
	assert.Equal(t, R, exec.Status)
}
