package params_test

import (
	"errors"
	"testing"
	"time"

	"github.com/mpataki/gun/internal/models"
	"github.com/mpataki/gun/internal/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func globals() params.Globals {
	return params.Globals{
		Application: "shop",
		Environment: "production",
		Task:        "release",
		User:        "ops@example.com",
		Time:        1700000000,
	}
}

func userParams(kv ...string) []*models.ExecutionParameter {
	var ps []*models.ExecutionParameter
	for i := 0; i+1 < len(kv); i += 2 {
		ps = append(ps, &models.ExecutionParameter{Name: kv[i], Value: kv[i+1]})
	}
	return ps
}

func TestResolve_GlobalAndUser(t *testing.T) {
	r := params.New(globals(), userParams("env", "prod"))

	got, err := r.Resolve("deploy ${gun_task} to ${env}")
	require.NoError(t, err)
	assert.Equal(t, "deploy release to prod", got)
}

func TestResolve_AllGlobals(t *testing.T) {
	r := params.New(globals(), nil)

	got, err := r.Resolve("${gun_application}/${gun_environment}/${gun_task}/${gun_user}/${gun_time}")
	require.NoError(t, err)
	assert.Equal(t, "shop/production/release/ops@example.com/1700000000", got)
}

func TestResolve_UserCannotOverrideGlobal(t *testing.T) {
	r := params.New(globals(), userParams("gun_task", "hijacked"))

	got, err := r.Resolve("run ${gun_task}")
	require.NoError(t, err)
	assert.Equal(t, "run release", got)
}

func TestResolve_NoPlaceholdersIsIdempotent(t *testing.T) {
	r := params.New(globals(), userParams("a", "b"))
	text := "echo hello && ls -la $HOME {x}"

	once, err := r.Resolve(text)
	require.NoError(t, err)
	twice, err := r.Resolve(once)
	require.NoError(t, err)

	assert.Equal(t, text, once)
	assert.Equal(t, once, twice)
}

func TestResolve_UnresolvedLeftVerbatim(t *testing.T) {
	r := params.New(globals(), nil)

	got, err := r.Resolve("echo ${missing} ${gun_task}")
	require.NoError(t, err)
	assert.Equal(t, "echo ${missing} release", got)
}

func TestResolve_StrictRejectsUnresolved(t *testing.T) {
	r := params.New(globals(), nil, params.Strict())

	_, err := r.Resolve("echo ${missing}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, params.ErrUnresolvedParameter))
}

func TestResolve_ValuesAreNotExpandedAgain(t *testing.T) {
	// The user value carries a global token; globals already ran, so it stays literal.
	r := params.New(globals(), userParams("msg", "${gun_task}", "other", "${msg}"))

	got, err := r.Resolve("echo ${msg} ${other}")
	require.NoError(t, err)
	assert.Equal(t, "echo ${gun_task} ${msg}", got)
}

func TestResolve_GlobalValueSeenByUserPass(t *testing.T) {
	g := params.Globals{Application: "shop", Environment: "prod", Task: "${release}", User: "alice", Time: 1}
	r := params.New(g, userParams("release", "v2"))

	got, err := r.Resolve("echo ${gun_task}")
	require.NoError(t, err)
	assert.Equal(t, "echo v2", got)
}

func TestGlobalsFor(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	exec := &models.Execution{
		Application:     "shop",
		EnvironmentName: "staging",
		TaskName:        "migrate",
		User:            "dev@example.com",
		TimeCreated:     created,
	}

	g := params.GlobalsFor(exec)

	assert.Equal(t, "staging", g.Environment)
	assert.Equal(t, created.Unix(), g.Time)

	got, err := params.New(g, nil).Resolve("${gun_time}")
	require.NoError(t, err)
	assert.Equal(t, "1709290800", got)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, params.Placeholders("${a} ${b} ${a} $c {d}"))
	assert.Empty(t, params.Placeholders("plain"))
	assert.True(t, params.IsGlobal("gun_user"))
	assert.False(t, params.IsGlobal("user"))
}
