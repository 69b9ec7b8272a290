package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.trai.ch/zerr"
)

// Shell runs commands on the local host with `sh -c`. The target server is
// described to the command through GUN_SERVER_* environment variables.
type Shell struct {
	Binary string
	Env    []string
}

func NewShell() *Shell {
	return &Shell{Binary: "sh"}
}

func (s *Shell) Run(ctx context.Context, req Request, out io.Writer) Result {
	cmd := exec.CommandContext(ctx, s.Binary, "-c", req.Command) //nolint:gosec // commands come from task definitions
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Env = append(append(os.Environ(), s.Env...), serverEnv(req)...)
	return run(cmd, out, nil)
}

// SSH runs commands on the target server through the system ssh client.
type SSH struct {
	Binary  string
	Options []string
	// User is used when the server does not name one.
	User string
}

// sshTransportExit is the status ssh itself exits with on connection errors.
const sshTransportExit = 255

func NewSSH(options ...string) *SSH {
	return &SSH{Binary: "ssh", Options: options}
}

func (s *SSH) Run(ctx context.Context, req Request, out io.Writer) Result {
	cmd := exec.CommandContext(ctx, s.Binary, s.Args(req)...) //nolint:gosec // commands come from task definitions
	return run(cmd, out, func(code int) bool { return code == sshTransportExit })
}

// Args builds the ssh argument list for req.
func (s *SSH) Args(req Request) []string {
	args := append([]string{}, s.Options...)
	if req.Server.Port != 0 {
		args = append(args, "-p", strconv.Itoa(req.Server.Port))
	}
	target := req.Server.Address()
	user := req.Server.User
	if user == "" {
		user = s.User
	}
	if user != "" {
		target = user + "@" + target
	}
	return append(args, target, "--", req.Command)
}

// run executes cmd, teeing combined output to out. transport classifies
// exit codes that mean the command never reached the server.
func run(cmd *exec.Cmd, out io.Writer, transport func(int) bool) Result {
	var buf bytes.Buffer
	w := io.MultiWriter(&buf, out)
	// The same writer for both streams means exec serializes writes.
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()
	if err == nil {
		return Exited(0, buf.String())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if transport != nil && transport(code) {
			return Failed(zerr.With(zerr.Wrap(err, "transport failed"), "exit_code", code), buf.String())
		}
		return Exited(code, buf.String())
	}
	return Failed(zerr.Wrap(err, "failed to start command"), buf.String())
}

func serverEnv(req Request) []string {
	return []string{
		"GUN_SERVER_NAME=" + req.Server.Name,
		"GUN_SERVER_HOST=" + req.Server.Address(),
		"GUN_SERVER_ROLES=" + strings.Join(req.Server.Roles, ","),
	}
}
