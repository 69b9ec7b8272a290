// Package orchestrator is the service facade used by the CLI and the TUI:
// it applies definitions, creates and starts executions, and serves reads.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"go.trai.ch/zerr"

	"github.com/mpataki/gun/internal/definition"
	"github.com/mpataki/gun/internal/dispatcher"
	"github.com/mpataki/gun/internal/lifecycle"
	"github.com/mpataki/gun/internal/logger"
	"github.com/mpataki/gun/internal/models"
	"github.com/mpataki/gun/internal/plan"
	"github.com/mpataki/gun/internal/storage"
	"github.com/mpataki/gun/internal/workspace"
)

var (
	ErrExecutionActive = zerr.New("execution is running")
	// ErrExecutionOwned is returned when failing an execution that a live
	// process is still running.
	ErrExecutionOwned = zerr.New("execution is owned by a live process")
)

type Options struct {
	StrictParameters bool
	PollInterval     time.Duration
	Now              func() time.Time
	// PID identifies this process. Defaults to os.Getpid().
	PID int
	// Alive reports whether a process exists. Defaults to sending it signal 0.
	Alive func(pid int) bool
}

type Orchestrator struct {
	storage      *storage.Storage
	dispatcher   *dispatcher.Dispatcher
	workspaceDir string
	log          logger.Logger
	opts         Options
}

func New(store *storage.Storage, d *dispatcher.Dispatcher, workspaceDir string, log logger.Logger, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.Alive == nil {
		opts.Alive = processAlive
	}
	if log == nil {
		log = logger.Discard{}
	}
	return &Orchestrator{
		storage:      store,
		dispatcher:   d,
		workspaceDir: workspaceDir,
		log:          log,
		opts:         opts,
	}
}

// Applied counts what ApplyDefinitions stored.
type Applied struct {
	Environments int
	Tasks        int
}

// ApplyDefinitions validates every definition before storing any of them.
func (o *Orchestrator) ApplyDefinitions(ctx context.Context, defs []*definition.Definition) (Applied, error) {
	var applied Applied
	for _, def := range defs {
		if err := definition.Validate(def); err != nil {
			return applied, zerr.With(err, "source", def.Source)
		}
	}

	for _, def := range defs {
		for _, env := range def.Environments {
			if err := o.storage.SaveEnvironment(ctx, env); err != nil {
				return applied, err
			}
			applied.Environments++
		}
		for _, task := range def.Tasks {
			if err := o.storage.SaveTask(ctx, task); err != nil {
				return applied, err
			}
			applied.Tasks++
		}
	}
	o.log.Info("definitions applied", "environments", applied.Environments, "tasks", applied.Tasks)
	return applied, nil
}

func (o *Orchestrator) ListTasks(ctx context.Context, application string) ([]*models.Task, error) {
	return o.storage.ListTasks(ctx, application)
}

func (o *Orchestrator) ListEnvironments(ctx context.Context, application string) ([]*models.Environment, error) {
	return o.storage.ListEnvironments(ctx, application)
}

// Request names what to run and as whom.
type Request struct {
	Application string
	Task        string
	Environment string
	User        string
	Params      map[string]string
}

// CreateExecution plans and persists an execution in PENDING. Definition
// errors are returned here and nothing is stored. Call Start to run it.
func (o *Orchestrator) CreateExecution(ctx context.Context, req Request) (*models.Execution, error) {
	task, err := o.storage.GetTaskByName(ctx, req.Application, req.Task)
	if err != nil {
		return nil, err
	}
	env, err := o.storage.GetEnvironmentByName(ctx, req.Application, req.Environment)
	if err != nil {
		return nil, err
	}

	exec, err := plan.Build(task, env, plan.Input{
		User:   req.User,
		Params: req.Params,
		Now:    o.opts.Now(),
	}, plan.Options{StrictParameters: o.opts.StrictParameters})
	if err != nil {
		return nil, err
	}

	if err := o.storage.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	ws, err := workspace.Create(o.workspaceDir, exec.ID)
	if err == nil {
		err = ws.WriteManifest(workspace.NewManifest(exec))
	}
	if err != nil {
		if delErr := o.storage.DeleteExecution(ctx, exec.ID); delErr != nil {
			o.log.Error(delErr, "execution_id", exec.ID)
		}
		return nil, zerr.With(zerr.Wrap(err, "failed to prepare workspace"), "execution_id", exec.ID)
	}

	o.log.Info("execution created", "execution_id", exec.ID, "task", exec.TaskName, "environment", exec.EnvironmentName, "user", exec.User)
	return exec, nil
}

// Start hands a pending execution to the dispatcher and returns at once.
func (o *Orchestrator) Start(ctx context.Context, executionID int64) error {
	return o.dispatcher.Start(ctx, executionID)
}

// Run creates and starts an execution, then follows it to the end. Output
// is written to out as it arrives, prefixed with the server name.
func (o *Orchestrator) Run(ctx context.Context, req Request, out io.Writer) (*models.Execution, error) {
	exec, err := o.CreateExecution(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := o.Start(ctx, exec.ID); err != nil {
		return nil, err
	}
	return o.Follow(ctx, exec.ID, 0, out)
}

// Follow polls the live log of an execution from afterSeq until the
// execution is terminal and every entry has been written to out.
func (o *Orchestrator) Follow(ctx context.Context, executionID, afterSeq int64, out io.Writer) (*models.Execution, error) {
	exec, err := o.storage.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	servers := unitServers(exec)

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()

	for {
		entries, err := o.storage.Since(ctx, executionID, afterSeq)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			writeEntry(out, servers, e)
			afterSeq = e.Seq
		}

		if len(entries) == 0 {
			exec, err = o.storage.GetExecution(ctx, executionID)
			if err != nil {
				return nil, err
			}
			if exec.Status.Terminal() {
				// Drain anything appended between the read and the status check.
				rest, err := o.storage.Since(ctx, executionID, afterSeq)
				if err != nil {
					return nil, err
				}
				for _, e := range rest {
					writeEntry(out, servers, e)
				}
				return exec, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, zerr.Wrap(ctx.Err(), "stopped following execution")
		case <-ticker.C:
		}
	}
}

func writeEntry(out io.Writer, servers map[int64]string, e models.LiveLogEntry) {
	switch e.Event {
	case models.EventOutput:
		fmt.Fprintf(out, "[%s] %s", servers[e.UnitID], e.Data)
		if n := len(e.Data); n > 0 && e.Data[n-1] != '\n' {
			fmt.Fprintln(out)
		}
	case models.EventCommand:
		fmt.Fprintf(out, "-- command %s\n", e.Data)
	case models.EventCancelled:
		fmt.Fprintf(out, "-- %s\n", e.Data)
	}
}

func unitServers(exec *models.Execution) map[int64]string {
	names := make(map[int64]string)
	for _, cmd := range exec.Commands {
		for _, u := range cmd.Servers {
			names[u.ID] = u.ServerName
		}
	}
	return names
}

func (o *Orchestrator) ListExecutions(ctx context.Context, f storage.Filter, limit int) ([]*models.Execution, error) {
	return o.storage.ListExecutions(ctx, f, limit)
}

func (o *Orchestrator) GetExecution(ctx context.Context, id int64) (*models.Execution, error) {
	return o.storage.GetExecution(ctx, id)
}

// ReadOutput returns everything a unit has printed so far.
func (o *Orchestrator) ReadOutput(ctx context.Context, unitID int64) (string, error) {
	return o.storage.ReadOutput(ctx, unitID)
}

func (o *Orchestrator) LiveLog(ctx context.Context, executionID, afterSeq int64) ([]models.LiveLogEntry, error) {
	return o.storage.Since(ctx, executionID, afterSeq)
}

// Cancel only reaches executions dispatched by this process.
func (o *Orchestrator) Cancel(executionID int64) bool {
	return o.dispatcher.Cancel(executionID)
}

// DeleteExecution removes a finished or never started execution together
// with its workspace.
func (o *Orchestrator) DeleteExecution(ctx context.Context, id int64) error {
	exec, err := o.storage.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status == models.StatusRunning {
		return zerr.With(zerr.Wrap(ErrExecutionActive, "cannot delete execution, fail it first if its process is gone"), "execution_id", id)
	}

	if err := o.storage.DeleteExecution(ctx, id); err != nil {
		return err
	}
	if err := workspace.Remove(o.workspaceDir, id); err != nil {
		o.log.Error(err, "execution_id", id)
	}
	o.log.Info("execution deleted", "execution_id", id)
	return nil
}

// Fail records an unfinished execution as FAILED. Running units and
// commands fail, pending ones stay PENDING. An execution dispatched by this
// process must be cancelled instead; one whose owner process is still alive
// is refused unless force is set.
func (o *Orchestrator) Fail(ctx context.Context, id int64, force bool) error {
	exec, err := o.storage.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	if o.dispatcher.Owns(id) {
		return zerr.With(zerr.Wrap(ErrExecutionOwned, "execution runs in this process, cancel it instead"), "execution_id", id)
	}
	if !force && o.ownerAlive(exec) {
		return zerr.With(zerr.With(zerr.Wrap(ErrExecutionOwned, "cannot fail execution"), "execution_id", id), "owner_pid", exec.OwnerPID)
	}
	return o.interrupt(ctx, exec, fmt.Sprintf("marked failed by process %d", o.opts.PID))
}

// Recover fails every in-flight execution whose owner process has exited,
// such as one left RUNNING by a killed gun process. It returns the IDs it
// settled.
func (o *Orchestrator) Recover(ctx context.Context) ([]int64, error) {
	inFlight, err := o.storage.ListInFlight(ctx)
	if err != nil {
		return nil, err
	}

	var recovered []int64
	for _, e := range inFlight {
		if o.dispatcher.Owns(e.ID) || o.ownerAlive(e) {
			continue
		}
		exec, err := o.storage.GetExecution(ctx, e.ID)
		if err != nil {
			return recovered, err
		}
		reason := fmt.Sprintf("owner process %d exited before the execution finished", e.OwnerPID)
		if err := o.interrupt(ctx, exec, reason); err != nil {
			return recovered, err
		}
		recovered = append(recovered, e.ID)
	}
	return recovered, nil
}

func (o *Orchestrator) interrupt(ctx context.Context, exec *models.Execution, reason string) error {
	m := lifecycle.NewMachine(exec, o.storage, o.storage, o.opts.Now, lifecycle.WithLogger(o.log))
	if err := m.Interrupt(ctx, reason); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to settle execution"), "execution_id", exec.ID)
	}
	o.log.Warn("execution marked failed", "execution_id", exec.ID, "owner_pid", exec.OwnerPID, "reason", reason)
	return nil
}

// ownerAlive reports whether another live process claimed exec.
func (o *Orchestrator) ownerAlive(exec *models.Execution) bool {
	if exec.OwnerPID <= 0 || exec.OwnerPID == o.opts.PID {
		return false
	}
	return o.opts.Alive(exec.OwnerPID)
}

// processAlive sends signal 0 to pid. EPERM still means it exists.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
