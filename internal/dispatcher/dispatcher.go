// Package dispatcher drives an execution from PENDING to a terminal status.
// Commands run strictly in rank order; the units of one command run in
// parallel and all of them finish before the next command is considered.
package dispatcher

import (
	"context"
	"errors"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/gun/internal/lifecycle"
	"github.com/mpataki/gun/internal/livelog"
	"github.com/mpataki/gun/internal/logger"
	"github.com/mpataki/gun/internal/models"
	"github.com/mpataki/gun/internal/runner"
	"github.com/mpataki/gun/internal/storage"
	"github.com/mpataki/gun/internal/workerpool"
)

var (
	ErrAlreadyStarted = zerr.New("execution already started")
	ErrCancelled      = zerr.New("execution cancelled")
)

// Store is the persistence the dispatcher needs.
type Store interface {
	lifecycle.Store
	GetExecution(ctx context.Context, id int64) (*models.Execution, error)
	GetEnvironment(ctx context.Context, id int64) (*models.Environment, error)
	MarkDispatched(ctx context.Context, id int64, dispatchID string, ownerPID int, at time.Time) error
}

type Options struct {
	Workers   int
	QueueSize int
	// WorkDir returns the scratch directory handed to runners. Optional.
	WorkDir func(executionID int64) string
	Now     func() time.Time
	// PID is recorded as the owner of claimed executions. Defaults to os.Getpid().
	PID int
}

type Dispatcher struct {
	store  Store
	runner runner.Runner
	sink   livelog.Sink
	log    logger.Logger
	pool   *workerpool.Pool
	opts   Options

	mu       sync.Mutex
	cancels  map[int64]context.CancelFunc
	tokens   map[int64]context.Context
	machines map[int64]*lifecycle.Machine
	closed   bool
}

func New(store Store, r runner.Runner, sink livelog.Sink, log logger.Logger, opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if log == nil {
		log = logger.Discard{}
	}
	d := &Dispatcher{
		store:    store,
		runner:   r,
		sink:     sink,
		log:      log,
		opts:     opts,
		cancels:  make(map[int64]context.CancelFunc),
		tokens:   make(map[int64]context.Context),
		machines: make(map[int64]*lifecycle.Machine),
	}
	d.pool = workerpool.New(opts.QueueSize, d.Process)
	d.pool.Start(opts.Workers)
	return d
}

// Shutdown stops accepting executions and waits for queued ones to finish.
// If ctx ends first, every execution still owned here is interrupted so it
// is recorded FAILED before the caller closes the store. Runner processes
// already started are not killed; their results are dropped.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	err := d.pool.Shutdown(ctx)
	if err != nil {
		d.interruptAll(context.WithoutCancel(ctx), "dispatcher shut down before the execution finished")
	}
	return err
}

// Owns reports whether the execution is queued or running in this dispatcher.
func (d *Dispatcher) Owns(executionID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.tokens[executionID]
	return ok
}

// Start claims a pending execution and queues it. It does not wait for the
// execution to run. An execution the queue rejects is recorded FAILED.
func (d *Dispatcher) Start(ctx context.Context, executionID int64) error {
	if err := d.store.MarkDispatched(ctx, executionID, uuid.NewString(), d.opts.PID, d.opts.Now()); err != nil {
		if errors.Is(err, storage.ErrAlreadyDispatched) {
			return zerr.With(zerr.Wrap(ErrAlreadyStarted, "cannot start execution"), "execution_id", executionID)
		}
		return zerr.With(zerr.Wrap(err, "failed to claim execution"), "execution_id", executionID)
	}

	d.token(executionID)
	if err := d.pool.Enqueue(executionID); err != nil {
		d.release(executionID)
		reason := "queue full"
		if errors.Is(err, workerpool.ErrPoolClosed) {
			reason = "dispatcher closed"
		}
		d.reject(ctx, executionID, reason)
		return zerr.With(zerr.Wrap(err, "failed to enqueue execution"), "execution_id", executionID)
	}

	d.log.Info("execution queued", "execution_id", executionID)
	return nil
}

// Cancel asks a queued or running execution to stop at the next command
// boundary. Units already running are allowed to finish. It reports whether
// the execution was known to this dispatcher.
func (d *Dispatcher) Cancel(executionID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cancel, ok := d.cancels[executionID]
	if ok {
		cancel()
	}
	return ok
}

// Process runs one execution to completion. It is the worker pool handler
// and may be called directly for synchronous runs.
func (d *Dispatcher) Process(ctx context.Context, executionID int64) {
	token := d.token(executionID)
	defer d.release(executionID)

	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		d.log.Error(err, "execution_id", executionID)
		return
	}

	m := lifecycle.NewMachine(exec, d.store, d.sink, d.opts.Now, lifecycle.WithLogger(d.log))
	if !d.register(executionID, m) {
		d.log.Warn("dispatcher closed, execution not run", "execution_id", executionID)
		return
	}

	if err := d.execute(ctx, token, m); err != nil {
		reason := err.Error()
		switch {
		case errors.Is(err, lifecycle.ErrInterrupted):
			d.log.Info("execution interrupted", "execution_id", executionID)
			return
		case errors.Is(err, ErrCancelled):
			reason = ""
			d.log.Info("execution cancelled", "execution_id", executionID)
		default:
			d.log.Error(err, "execution_id", executionID)
		}
		if err := m.Abort(context.WithoutCancel(ctx), reason); err != nil {
			d.log.Error(err, "execution_id", executionID)
		}
	}

	d.log.Info("execution finished", "execution_id", executionID, "status", string(exec.Status))
}

func (d *Dispatcher) execute(ctx context.Context, token context.Context, m *lifecycle.Machine) error {
	exec := m.Execution()
	if err := m.Begin(ctx); err != nil {
		return err
	}

	servers := d.servers(ctx, exec)

	for _, cmd := range ordered(exec.Commands) {
		if token.Err() != nil {
			d.emit(ctx, exec.ID, models.EventCancelled, "cancelled before rank "+strconv.Itoa(cmd.Rank))
			return zerr.With(zerr.Wrap(ErrCancelled, "stopped at command boundary"), "rank", cmd.Rank)
		}
		if err := m.StartCommand(ctx, cmd); err != nil {
			return err
		}

		// Plain group: a failing unit never cancels its siblings.
		var g errgroup.Group
		for _, unit := range cmd.Servers {
			g.Go(func() error {
				return d.runUnit(ctx, m, cmd, unit, servers)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		status, err := m.FinishCommand(cmd)
		if err != nil {
			return err
		}
		if status == models.StatusFailed {
			break
		}
	}

	_, err := m.Finish(ctx)
	return err
}

func (d *Dispatcher) runUnit(ctx context.Context, m *lifecycle.Machine, cmd *models.ExecutionCommand, unit *models.ExecutionCommandServer, servers map[int64]*models.Server) error {
	exec := m.Execution()
	if err := m.StartUnit(ctx, unit); err != nil {
		return err
	}

	req := runner.Request{Command: cmd.Command, Server: unitServer(unit, servers)}
	if d.opts.WorkDir != nil {
		req.WorkDir = d.opts.WorkDir(exec.ID)
	}

	out := livelog.NewWriter(ctx, d.sink, exec.ID, unit.ID)
	res := d.runner.Run(context.WithoutCancel(ctx), req, out)

	status := models.StatusSuccess
	if !res.Succeeded() {
		status = models.StatusFailed
	}

	var code *int
	output := res.Output
	if res.Err != nil {
		msg := res.Err.Error() + "\n"
		_, _ = out.Write([]byte(msg))
		output += msg
		d.log.Warn("runner transport error", "execution_id", exec.ID, "unit_id", unit.ID, "server", unit.ServerName, "error", res.Err.Error())
	} else {
		rc := res.ReturnCode
		code = &rc
	}

	return m.FinishUnit(ctx, cmd, unit, status, code, output)
}

// servers returns the current definitions of the execution's servers so
// runners see connection details. Units keep their snapshot if the
// environment has since changed.
func (d *Dispatcher) servers(ctx context.Context, exec *models.Execution) map[int64]*models.Server {
	byID := make(map[int64]*models.Server)
	env, err := d.store.GetEnvironment(ctx, exec.EnvironmentID)
	if err != nil {
		d.log.Warn("environment unavailable, using server snapshots", "execution_id", exec.ID, "environment_id", exec.EnvironmentID)
		return byID
	}
	for _, srv := range env.Servers {
		byID[srv.ID] = srv
	}
	return byID
}

func unitServer(unit *models.ExecutionCommandServer, servers map[int64]*models.Server) models.Server {
	srv := models.Server{ID: unit.ServerID, Name: unit.ServerName, Host: unit.ServerHost}
	if live, ok := servers[unit.ServerID]; ok {
		srv.Port = live.Port
		srv.User = live.User
		srv.Roles = live.Roles
	}
	return srv
}

// reject records an execution that will never run.
func (d *Dispatcher) reject(ctx context.Context, executionID int64, reason string) {
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		d.log.Error(err, "execution_id", executionID)
		return
	}
	m := lifecycle.NewMachine(exec, d.store, d.sink, d.opts.Now, lifecycle.WithLogger(d.log))
	if err := m.Abort(ctx, reason); err != nil {
		d.log.Error(err, "execution_id", executionID)
	}
}

func (d *Dispatcher) token(executionID int64) context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()

	if tok, ok := d.tokens[executionID]; ok {
		return tok
	}
	tok, cancel := context.WithCancel(context.Background())
	d.tokens[executionID] = tok
	d.cancels[executionID] = cancel
	return tok
}

func (d *Dispatcher) release(executionID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cancel, ok := d.cancels[executionID]; ok {
		cancel()
	}
	delete(d.cancels, executionID)
	delete(d.tokens, executionID)
	delete(d.machines, executionID)
}

// register makes m reachable from interruptAll. It fails once the
// dispatcher has been interrupted.
func (d *Dispatcher) register(executionID int64, m *lifecycle.Machine) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	d.machines[executionID] = m
	return true
}

// interruptAll settles every owned execution: running ones through their
// machine, queued ones as rejected.
func (d *Dispatcher) interruptAll(ctx context.Context, reason string) {
	d.mu.Lock()
	d.closed = true
	machines := make(map[int64]*lifecycle.Machine, len(d.machines))
	for id, m := range d.machines {
		machines[id] = m
	}
	var queued []int64
	for id := range d.tokens {
		if _, ok := machines[id]; !ok {
			queued = append(queued, id)
		}
	}
	d.mu.Unlock()

	for id, m := range machines {
		if err := m.Interrupt(ctx, reason); err != nil {
			d.log.Error(err, "execution_id", id)
		}
		d.log.Warn("execution interrupted", "execution_id", id, "reason", reason)
	}
	for _, id := range queued {
		d.reject(ctx, id, reason)
	}
}

func (d *Dispatcher) emit(ctx context.Context, executionID int64, event, data string) {
	if d.sink == nil {
		return
	}
	_, err := d.sink.Append(context.WithoutCancel(ctx), models.LiveLogEntry{
		ExecutionID: executionID,
		Event:       event,
		Data:        data,
	})
	if err != nil {
		d.log.Error(zerr.With(zerr.Wrap(err, "failed to append live log"), "execution_id", executionID), "event", event)
	}
}

func ordered(cmds []*models.ExecutionCommand) []*models.ExecutionCommand {
	out := make([]*models.ExecutionCommand, len(cmds))
	copy(out, cmds)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}
