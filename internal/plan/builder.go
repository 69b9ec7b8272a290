// Package plan materializes a task definition against an environment into
// an execution whose every unit is pending.
package plan

import (
	"sort"
	"time"

	"github.com/mpataki/gun/internal/models"
	"github.com/mpataki/gun/internal/params"
	"go.trai.ch/zerr"
)

// Input carries what the initiating caller supplies for one execution.
type Input struct {
	User   string
	Params map[string]string
	Now    time.Time
}

// Options controls plan construction policy.
type Options struct {
	// StrictParameters rejects commands that still contain placeholders
	// after substitution.
	StrictParameters bool
}

// Build validates the definitions and returns a new pending Execution. It is
// called once per execution; the result is never recomputed.
func Build(task *models.Task, env *models.Environment, in Input, opts Options) (*models.Execution, error) {
	if err := ValidateTask(task); err != nil {
		return nil, err
	}
	if err := ValidateEnvironment(env); err != nil {
		return nil, err
	}
	if task.Application != env.Application {
		return nil, zerr.With(zerr.With(zerr.Wrap(ErrApplicationMismatch, "cannot build plan"),
			"task_application", task.Application), "environment_application", env.Application)
	}

	execParams, err := snapshotParameters(task, in.Params)
	if err != nil {
		return nil, err
	}

	exec := &models.Execution{
		TaskID:          task.ID,
		EnvironmentID:   env.ID,
		Application:     task.Application,
		TaskName:        task.Name,
		EnvironmentName: env.Name,
		User:            in.User,
		Status:          models.StatusPending,
		TimeCreated:     in.Now.UTC(),
		Parameters:      execParams,
	}

	var resolverOpts []params.Option
	if opts.StrictParameters {
		resolverOpts = append(resolverOpts, params.Strict())
	}
	resolver := params.New(params.GlobalsFor(exec), execParams, resolverOpts...)

	for _, cmd := range task.CommandsOrdered() {
		text, err := resolver.Resolve(cmd.Command)
		if err != nil {
			return nil, zerr.With(zerr.With(err, "task", task.Name), "rank", cmd.Rank)
		}

		roles := make([]string, len(cmd.Roles))
		copy(roles, cmd.Roles)
		sort.Strings(roles)

		execCmd := &models.ExecutionCommand{
			Command: text,
			Roles:   roles,
			Rank:    cmd.Rank,
			Status:  models.StatusPending,
			Servers: []*models.ExecutionCommandServer{},
		}
		for _, server := range SelectServers(env, cmd.Roles) {
			execCmd.Servers = append(execCmd.Servers, &models.ExecutionCommandServer{
				ServerID:   server.ID,
				ServerName: server.Name,
				ServerHost: server.Address(),
				Status:     models.StatusPending,
			})
		}
		exec.Commands = append(exec.Commands, execCmd)
	}

	return exec, nil
}

// SelectServers returns, in environment order, every server whose roles
// intersect roles. A server matches on a single shared role.
func SelectServers(env *models.Environment, roles []string) []*models.Server {
	var selected []*models.Server
	for _, s := range env.Servers {
		if s.HasAnyRole(roles) {
			selected = append(selected, s)
		}
	}
	return selected
}

// snapshotParameters resolves declared parameters against user values. The
// result is frozen on the execution.
func snapshotParameters(task *models.Task, values map[string]string) ([]*models.ExecutionParameter, error) {
	declared := make(map[string]bool, len(task.Parameters))
	for _, p := range task.Parameters {
		declared[p.Name] = true
	}

	var unknown []string
	for name := range values {
		if !declared[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, zerr.With(zerr.With(zerr.Wrap(ErrUnknownParameter, "cannot snapshot parameters"),
			"task", task.Name), "parameters", unknown)
	}

	out := make([]*models.ExecutionParameter, 0, len(task.Parameters))
	for _, p := range task.ParametersOrdered() {
		value := p.DefaultValue
		if v, ok := values[p.Name]; ok {
			value = v
		}
		out = append(out, &models.ExecutionParameter{Name: p.Name, Value: value})
	}
	return out, nil
}
