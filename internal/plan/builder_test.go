package plan_test

import (
	"errors"
	"testing"
	"time"

	"github.com/mpataki/gun/internal/models"
	"github.com/mpataki/gun/internal/params"
	"github.com/mpataki/gun/internal/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func environment() *models.Environment {
	return &models.Environment{
		ID:          7,
		Application: "shop",
		Name:        "production",
		Servers: []*models.Server{
			{ID: 1, Name: "web1", Host: "10.0.0.1", Roles: []string{"web"}},
			{ID: 2, Name: "web2", Host: "10.0.0.2", Roles: []string{"web", "cache"}},
			{ID: 3, Name: "db1", Roles: []string{"db"}},
		},
	}
}

func task() *models.Task {
	return &models.Task{
		ID:          3,
		Application: "shop",
		Name:        "release",
		Commands: []*models.TaskCommand{
			{Command: "migrate ${version}", Roles: []string{"db"}, Rank: 2},
			{Command: "deploy ${gun_task} to ${env}", Roles: []string{"web"}, Rank: 1},
		},
		Parameters: []*models.TaskParameter{
			{Name: "version", DefaultValue: "latest", Rank: 2},
			{Name: "env", DefaultValue: "staging", Rank: 1},
		},
	}
}

func TestBuild_MaterializesUnitsInRankOrder(t *testing.T) {
	exec, err := plan.Build(task(), environment(), plan.Input{
		User:   "ops@example.com",
		Params: map[string]string{"env": "prod"},
		Now:    now,
	}, plan.Options{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, exec.Status)
	assert.Equal(t, "release", exec.TaskName)
	assert.Equal(t, "production", exec.EnvironmentName)
	assert.Equal(t, now, exec.TimeCreated)
	assert.Nil(t, exec.TimeStart)

	require.Len(t, exec.Commands, 2)

	first := exec.Commands[0]
	assert.Equal(t, 1, first.Rank)
	assert.Equal(t, "deploy release to prod", first.Command)
	require.Len(t, first.Servers, 2)
	assert.Equal(t, "web1", first.Servers[0].ServerName)
	assert.Equal(t, "10.0.0.2", first.Servers[1].ServerHost)

	second := exec.Commands[1]
	assert.Equal(t, "migrate latest", second.Command)
	require.Len(t, second.Servers, 1)
	assert.Equal(t, int64(3), second.Servers[0].ServerID)
	assert.Equal(t, "db1", second.Servers[0].ServerHost)

	for _, cmd := range exec.Commands {
		assert.Equal(t, models.StatusPending, cmd.Status)
		for _, u := range cmd.Servers {
			assert.Equal(t, models.StatusPending, u.Status)
		}
	}
}

func TestBuild_ParameterSnapshotFollowsRank(t *testing.T) {
	exec, err := plan.Build(task(), environment(), plan.Input{Now: now}, plan.Options{})
	require.NoError(t, err)

	require.Len(t, exec.Parameters, 2)
	assert.Equal(t, "env", exec.Parameters[0].Name)
	assert.Equal(t, "staging", exec.Parameters[0].Value)
	assert.Equal(t, "version", exec.Parameters[1].Name)
}

func TestBuild_UnitCountMatchesRoleIntersection(t *testing.T) {
	env := environment()
	cases := []struct {
		roles []string
		want  int
	}{
		{[]string{"web"}, 2},
		{[]string{"cache"}, 1},
		{[]string{"db", "cache"}, 2},
		{[]string{"web", "db"}, 3},
		{[]string{"queue"}, 0},
	}

	for _, tc := range cases {
		tk := &models.Task{
			Application: "shop",
			Name:        "t",
			Commands:    []*models.TaskCommand{{Command: "true", Roles: tc.roles, Rank: 1}},
		}
		exec, err := plan.Build(tk, env, plan.Input{Now: now}, plan.Options{})
		require.NoError(t, err)
		assert.Len(t, exec.Commands[0].Servers, tc.want, "roles %v", tc.roles)
		assert.Len(t, plan.SelectServers(env, tc.roles), tc.want)
	}
}

func TestBuild_ZeroMatchCommandIsKept(t *testing.T) {
	tk := task()
	tk.Commands = append(tk.Commands, &models.TaskCommand{Command: "notify", Roles: []string{"mail"}, Rank: 3})

	exec, err := plan.Build(tk, environment(), plan.Input{Now: now}, plan.Options{})
	require.NoError(t, err)

	require.Len(t, exec.Commands, 3)
	assert.Empty(t, exec.Commands[2].Servers)
}

func TestBuild_IsDeterministic(t *testing.T) {
	in := plan.Input{User: "u", Params: map[string]string{"version": "1.2"}, Now: now}
	a, err := plan.Build(task(), environment(), in, plan.Options{})
	require.NoError(t, err)
	b, err := plan.Build(task(), environment(), in, plan.Options{})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestBuild_DefinitionErrors(t *testing.T) {
	cases := map[string]struct {
		mutate func(*models.Task)
		want   error
	}{
		"no roles": {
			mutate: func(tk *models.Task) { tk.Commands[0].Roles = nil },
			want:   plan.ErrNoRoles,
		},
		"bad task name": {
			mutate: func(tk *models.Task) { tk.Name = "rm -rf" },
			want:   plan.ErrInvalidName,
		},
		"duplicate command rank": {
			mutate: func(tk *models.Task) { tk.Commands[1].Rank = tk.Commands[0].Rank },
			want:   plan.ErrDuplicateRank,
		},
		"duplicate parameter": {
			mutate: func(tk *models.Task) { tk.Parameters[1].Name = tk.Parameters[0].Name },
			want:   plan.ErrDuplicateParameter,
		},
		"empty command": {
			mutate: func(tk *models.Task) { tk.Commands[0].Command = "" },
			want:   plan.ErrEmptyCommand,
		},
		"other application": {
			mutate: func(tk *models.Task) { tk.Application = "blog" },
			want:   plan.ErrApplicationMismatch,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			tk := task()
			tc.mutate(tk)

			exec, err := plan.Build(tk, environment(), plan.Input{Now: now}, plan.Options{})
			require.Error(t, err)
			assert.Nil(t, exec)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestBuild_UnknownParameter(t *testing.T) {
	_, err := plan.Build(task(), environment(), plan.Input{
		Params: map[string]string{"colour": "blue"},
		Now:    now,
	}, plan.Options{})

	require.Error(t, err)
	assert.True(t, errors.Is(err, plan.ErrUnknownParameter))
}

func TestBuild_StrictParameters(t *testing.T) {
	tk := task()
	tk.Commands[0].Command = "echo ${undeclared}"

	_, err := plan.Build(tk, environment(), plan.Input{Now: now}, plan.Options{StrictParameters: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, params.ErrUnresolvedParameter))

	exec, err := plan.Build(tk, environment(), plan.Input{Now: now}, plan.Options{})
	require.NoError(t, err)
	assert.Equal(t, "echo ${undeclared}", exec.Commands[1].Command)
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, plan.ValidateName("task", "deploy-web_1.2"))
	assert.Error(t, plan.ValidateName("task", ""))
	assert.Error(t, plan.ValidateName("task", "-leading"))
	assert.Error(t, plan.ValidateName("task", "has space"))
	assert.Error(t, plan.ValidateName("task", string(make([]byte, plan.MaxNameLength+1))))
}
