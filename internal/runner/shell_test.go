package runner_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mpataki/gun/internal/models"
	"github.com/mpataki/gun/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(command string) runner.Request {
	return runner.Request{
		Command: command,
		Server:  models.Server{Name: "web1", Host: "10.0.0.1", Roles: []string{"web", "cache"}},
	}
}

func TestShell_Success(t *testing.T) {
	var live bytes.Buffer
	res := runner.NewShell().Run(context.Background(), request("echo hello"), &live)

	assert.Equal(t, runner.OutcomeSuccess, res.Outcome())
	assert.True(t, res.Succeeded())
	assert.Equal(t, "hello\n", res.Output)
	assert.Equal(t, "hello\n", live.String())
}

func TestShell_NonZeroExit(t *testing.T) {
	res := runner.NewShell().Run(context.Background(), request("echo oops >&2; exit 3"), io.Discard)

	assert.Equal(t, runner.OutcomeExit, res.Outcome())
	assert.Equal(t, 3, res.ReturnCode)
	assert.NoError(t, res.Err)
	assert.Equal(t, "oops\n", res.Output)
}

func TestShell_ServerEnvironment(t *testing.T) {
	res := runner.NewShell().Run(context.Background(),
		request(`echo "$GUN_SERVER_NAME $GUN_SERVER_HOST $GUN_SERVER_ROLES"`), io.Discard)

	require.True(t, res.Succeeded())
	assert.Equal(t, "web1 10.0.0.1 web,cache\n", res.Output)
}

func TestShell_WorkDir(t *testing.T) {
	dir := t.TempDir()
	req := request("pwd")
	req.WorkDir = dir

	res := runner.NewShell().Run(context.Background(), req, io.Discard)
	require.True(t, res.Succeeded())

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(res.Output))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestShell_MissingBinaryIsTransportError(t *testing.T) {
	sh := &runner.Shell{Binary: "nonexistent-shell-xyz123"}
	res := sh.Run(context.Background(), request("true"), io.Discard)

	assert.Equal(t, runner.OutcomeTransportError, res.Outcome())
	assert.Error(t, res.Err)
	assert.False(t, res.Succeeded())
}

func fakeSSH(t *testing.T, exit int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssh")
	script := fmt.Sprintf("#!/bin/sh\necho \"$@\"\nexit %d\n", exit)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestSSH_Args(t *testing.T) {
	s := &runner.SSH{Options: []string{"-o", "BatchMode=yes"}, User: "deploy"}
	req := request("uptime")
	req.Server.Port = 2222

	assert.Equal(t, []string{"-o", "BatchMode=yes", "-p", "2222", "deploy@10.0.0.1", "--", "uptime"}, s.Args(req))

	req.Server.User = "root"
	req.Server.Port = 0
	assert.Equal(t, []string{"-o", "BatchMode=yes", "root@10.0.0.1", "--", "uptime"}, s.Args(req))
}

func TestSSH_RemoteExitCode(t *testing.T) {
	s := &runner.SSH{Binary: fakeSSH(t, 2)}
	res := s.Run(context.Background(), request("uptime"), io.Discard)

	assert.Equal(t, runner.OutcomeExit, res.Outcome())
	assert.Equal(t, 2, res.ReturnCode)
	assert.Equal(t, "10.0.0.1 -- uptime\n", res.Output)
}

func TestSSH_ConnectionFailureIsTransportError(t *testing.T) {
	s := &runner.SSH{Binary: fakeSSH(t, 255)}
	res := s.Run(context.Background(), request("uptime"), io.Discard)

	assert.Equal(t, runner.OutcomeTransportError, res.Outcome())
	assert.Error(t, res.Err)
}

func TestResult_Variants(t *testing.T) {
	assert.Equal(t, runner.OutcomeSuccess, runner.Exited(0, "").Outcome())
	assert.Equal(t, runner.OutcomeExit, runner.Exited(1, "").Outcome())
	assert.Equal(t, runner.OutcomeTransportError, runner.Failed(assert.AnError, "").Outcome())
	assert.Equal(t, "transport error", runner.OutcomeTransportError.String())
}
