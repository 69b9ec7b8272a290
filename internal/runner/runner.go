// Package runner defines the capability that executes one command on one
// server, and the adapters that provide it.
package runner

import (
	"context"
	"io"

	"github.com/mpataki/gun/internal/models"
)

// Request is one unit of work handed to a Runner.
type Request struct {
	Command string
	Server  models.Server
	// WorkDir is a scratch directory owned by the execution. Remote runners ignore it.
	WorkDir string
}

// Runner runs a command against a server. Output is streamed to out as it
// is produced and also returned in full with the result.
//
//go:generate go run go.uber.org/mock/mockgen -source=runner.go -destination=mocks/mock_runner.go -package=mocks
type Runner interface {
	Run(ctx context.Context, req Request, out io.Writer) Result
}

// Outcome is the closed set of ways a run can end.
type Outcome int

const (
	// OutcomeSuccess means the command exited with code zero.
	OutcomeSuccess Outcome = iota
	// OutcomeExit means the command ran and exited non-zero.
	OutcomeExit
	// OutcomeTransportError means the command could not be run or its result is unknown.
	OutcomeTransportError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeExit:
		return "exit"
	case OutcomeTransportError:
		return "transport error"
	}
	return "unknown"
}

// Result is what a Runner reports back. Build it with Exited or Failed.
type Result struct {
	ReturnCode int
	Output     string
	Err        error
}

// Exited reports a command that ran to completion with code.
func Exited(code int, output string) Result {
	return Result{ReturnCode: code, Output: output}
}

// Failed reports a transport error. output holds whatever was captured.
func Failed(err error, output string) Result {
	return Result{ReturnCode: -1, Output: output, Err: err}
}

func (r Result) Outcome() Outcome {
	switch {
	case r.Err != nil:
		return OutcomeTransportError
	case r.ReturnCode != 0:
		return OutcomeExit
	default:
		return OutcomeSuccess
	}
}

// Succeeded reports whether the unit should be marked SUCCESS.
func (r Result) Succeeded() bool {
	return r.Outcome() == OutcomeSuccess
}
