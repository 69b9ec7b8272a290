package lifecycle

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/mpataki/gun/internal/livelog"
	"github.com/mpataki/gun/internal/logger"
	"github.com/mpataki/gun/internal/models"
	"go.trai.ch/zerr"
)

// ErrInterrupted is returned by every update after Interrupt.
var ErrInterrupted = zerr.New("execution interrupted")

// Store persists status and timing changes as soon as they happen.
type Store interface {
	UpdateExecution(ctx context.Context, exec *models.Execution) error
	UpdateExecutionCommand(ctx context.Context, cmd *models.ExecutionCommand) error
	UpdateExecutionCommandServer(ctx context.Context, unit *models.ExecutionCommandServer) error
}

// Machine is the single writer of one execution's status fields. Unit
// updates may arrive concurrently from the units of the running command.
type Machine struct {
	mu          sync.Mutex
	exec        *models.Execution
	store       Store
	sink        livelog.Sink
	log         logger.Logger
	now         func() time.Time
	interrupted bool
}

type Option func(*Machine)

// WithLogger reports live-log failures, which never fail a transition.
func WithLogger(log logger.Logger) Option {
	return func(m *Machine) {
		m.log = log
	}
}

// NewMachine wraps exec. sink may be nil; now defaults to time.Now.
func NewMachine(exec *models.Execution, store Store, sink livelog.Sink, now func() time.Time, opts ...Option) *Machine {
	if now == nil {
		now = time.Now
	}
	m := &Machine{exec: exec, store: store, sink: sink, log: logger.Discard{}, now: now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) checkLive() error {
	if m.interrupted {
		return zerr.With(zerr.Wrap(ErrInterrupted, "update refused"), "execution_id", m.exec.ID)
	}
	return nil
}

func (m *Machine) Execution() *models.Execution {
	return m.exec
}

// Begin moves the execution out of PENDING and stamps time_start.
func (m *Machine) Begin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLive(); err != nil {
		return err
	}

	if err := Transition(m.exec.Status, models.StatusRunning); err != nil {
		return zerr.With(err, "execution_id", m.exec.ID)
	}
	m.exec.Status = models.StatusRunning
	stamp(&m.exec.TimeStart, m.now())
	return m.saveExecution(ctx)
}

// StartCommand moves a command to RUNNING. A command without units settles
// as SUCCESS immediately.
func (m *Machine) StartCommand(ctx context.Context, cmd *models.ExecutionCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLive(); err != nil {
		return err
	}

	if err := Transition(cmd.Status, models.StatusRunning); err != nil {
		return zerr.With(err, "command_id", cmd.ID)
	}
	now := m.now()
	cmd.Status = models.StatusRunning
	stamp(&cmd.TimeStart, now)

	if len(cmd.Servers) == 0 {
		cmd.Status = models.StatusSuccess
		stamp(&cmd.TimeEnd, now)
	}
	if err := m.store.UpdateExecutionCommand(ctx, cmd); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to persist command"), "command_id", cmd.ID)
	}
	m.emit(ctx, 0, models.EventCommand, strconv.Itoa(cmd.Rank)+" "+string(cmd.Status))
	return nil
}

// StartUnit moves a unit to RUNNING.
func (m *Machine) StartUnit(ctx context.Context, unit *models.ExecutionCommandServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLive(); err != nil {
		return err
	}

	if err := Transition(unit.Status, models.StatusRunning); err != nil {
		return zerr.With(err, "unit_id", unit.ID)
	}
	unit.Status = models.StatusRunning
	stamp(&unit.TimeStart, m.now())
	if err := m.store.UpdateExecutionCommandServer(ctx, unit); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to persist unit"), "unit_id", unit.ID)
	}
	m.emit(ctx, unit.ID, models.EventStatus, string(unit.Status))
	return nil
}

// FinishUnit records a unit's outcome and re-aggregates its command.
func (m *Machine) FinishUnit(ctx context.Context, cmd *models.ExecutionCommand, unit *models.ExecutionCommandServer, status models.Status, returnCode *int, output string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLive(); err != nil {
		return err
	}

	if !status.Terminal() {
		return zerr.With(zerr.Wrap(ErrInvalidTransition, "unit must finish in a terminal status"), "to", string(status))
	}
	if err := Transition(unit.Status, status); err != nil {
		return zerr.With(err, "unit_id", unit.ID)
	}
	now := m.now()
	unit.Status = status
	unit.ReturnCode = returnCode
	unit.Output = output
	stamp(&unit.TimeEnd, now)
	if err := m.store.UpdateExecutionCommandServer(ctx, unit); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to persist unit"), "unit_id", unit.ID)
	}
	m.emit(ctx, unit.ID, models.EventStatus, string(unit.Status))

	next := AggregateUnits(unitStatuses(cmd))
	if next == cmd.Status {
		return nil
	}
	cmd.Status = next
	if next.Terminal() {
		stamp(&cmd.TimeEnd, now)
	}
	if err := m.store.UpdateExecutionCommand(ctx, cmd); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to persist command"), "command_id", cmd.ID)
	}
	if next.Terminal() {
		m.emit(ctx, 0, models.EventCommand, strconv.Itoa(cmd.Rank)+" "+string(cmd.Status))
	}
	return nil
}

// FinishCommand is the barrier check after every unit of cmd has returned.
func (m *Machine) FinishCommand(cmd *models.ExecutionCommand) (models.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !cmd.Status.Terminal() {
		return cmd.Status, zerr.With(zerr.Wrap(ErrNotSettled, "command still has work"), "command_id", cmd.ID)
	}
	return cmd.Status, nil
}

// Finish settles the execution from its commands and stamps time_end.
func (m *Machine) Finish(ctx context.Context) (models.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLive(); err != nil {
		return m.exec.Status, err
	}

	next := AggregateCommands(commandStatuses(m.exec))
	if !next.Terminal() {
		return next, zerr.With(zerr.Wrap(ErrNotSettled, "execution still has work"), "execution_id", m.exec.ID)
	}
	if err := Transition(m.exec.Status, next); err != nil {
		return m.exec.Status, zerr.With(err, "execution_id", m.exec.ID)
	}
	m.exec.Status = next
	stamp(&m.exec.TimeEnd, m.now())
	return next, m.saveExecution(ctx)
}

// Abort fails the execution without touching commands that never started,
// so they stay visibly PENDING. It is a no-op on a terminal execution.
func (m *Machine) Abort(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exec.Status.Terminal() {
		return nil
	}
	now := m.now()
	m.exec.Status = models.StatusFailed
	stamp(&m.exec.TimeStart, now)
	stamp(&m.exec.TimeEnd, now)
	if reason != "" {
		m.emit(ctx, 0, models.EventExecution, reason)
	}
	return m.saveExecution(ctx)
}

// Interrupt settles an execution whose remaining work will never be
// observed. Running units and commands become FAILED, pending ones stay
// PENDING and the execution is FAILED. Every later update through m is
// refused with ErrInterrupted.
func (m *Machine) Interrupt(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.interrupted = true
	if m.exec.Status.Terminal() {
		return nil
	}

	now := m.now()
	var errs []error
	for _, cmd := range m.exec.Commands {
		if cmd.Status != models.StatusRunning {
			continue
		}
		for _, u := range cmd.Servers {
			if u.Status != models.StatusRunning {
				continue
			}
			u.Status = models.StatusFailed
			stamp(&u.TimeEnd, now)
			if u.Output == "" && m.sink != nil {
				if out, err := m.sink.ReadOutput(ctx, u.ID); err == nil {
					u.Output = out
				}
			}
			if err := m.store.UpdateExecutionCommandServer(ctx, u); err != nil {
				errs = append(errs, zerr.With(zerr.Wrap(err, "failed to persist unit"), "unit_id", u.ID))
				continue
			}
			m.emit(ctx, u.ID, models.EventStatus, string(u.Status))
		}

		cmd.Status = models.StatusFailed
		stamp(&cmd.TimeEnd, now)
		if err := m.store.UpdateExecutionCommand(ctx, cmd); err != nil {
			errs = append(errs, zerr.With(zerr.Wrap(err, "failed to persist command"), "command_id", cmd.ID))
			continue
		}
		m.emit(ctx, 0, models.EventCommand, strconv.Itoa(cmd.Rank)+" "+string(cmd.Status))
	}

	if reason != "" {
		m.emit(ctx, 0, models.EventExecution, reason)
	}
	m.exec.Status = models.StatusFailed
	stamp(&m.exec.TimeStart, now)
	stamp(&m.exec.TimeEnd, now)
	if err := m.saveExecution(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Machine) saveExecution(ctx context.Context) error {
	if err := m.store.UpdateExecution(ctx, m.exec); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to persist execution"), "execution_id", m.exec.ID)
	}
	m.emit(ctx, 0, models.EventExecution, string(m.exec.Status))
	return nil
}

// emit is best effort: the live log never blocks status tracking.
func (m *Machine) emit(ctx context.Context, unitID int64, event, data string) {
	if m.sink == nil {
		return
	}
	_, err := m.sink.Append(ctx, models.LiveLogEntry{
		ExecutionID: m.exec.ID,
		UnitID:      unitID,
		Event:       event,
		Data:        data,
	})
	if err != nil {
		m.log.Error(zerr.With(zerr.Wrap(err, "failed to append live log"), "execution_id", m.exec.ID), "event", event)
	}
}

// stamp sets a timestamp once and never overwrites it.
func stamp(field **time.Time, t time.Time) {
	if *field != nil {
		return
	}
	*field = &t
}
