// Package lifecycle owns the status of an execution and of every command
// and unit within it.
package lifecycle

import (
	"github.com/mpataki/gun/internal/models"
	"go.trai.ch/zerr"
)

var (
	// ErrInvalidTransition is returned for a transition the lifecycle forbids.
	ErrInvalidTransition = zerr.New("invalid status transition")
	// ErrNotSettled is returned when a terminal aggregate is required but
	// work is still outstanding.
	ErrNotSettled = zerr.New("status not settled")
)

// Transition validates a single status change. PENDING -> FAILED is only
// used for an execution abandoned before any command ran.
func Transition(from, to models.Status) error {
	if allowed(from, to) {
		return nil
	}
	return zerr.With(zerr.With(zerr.Wrap(ErrInvalidTransition, "transition rejected"), "from", string(from)), "to", string(to))
}

func allowed(from, to models.Status) bool {
	switch from {
	case models.StatusPending:
		return to == models.StatusRunning || to == models.StatusFailed
	case models.StatusRunning:
		return to == models.StatusSuccess || to == models.StatusFailed
	default:
		return false
	}
}

type tally struct {
	pending, running, success, failed int
}

func count(statuses []models.Status) tally {
	var t tally
	for _, s := range statuses {
		switch s {
		case models.StatusPending:
			t.pending++
		case models.StatusRunning:
			t.running++
		case models.StatusSuccess:
			t.success++
		case models.StatusFailed:
			t.failed++
		}
	}
	return t
}

// AggregateUnits derives a command's status from its units. A command with
// no units succeeds trivially. A failed unit only fails the command once its
// siblings are terminal, because started work is never abandoned.
func AggregateUnits(statuses []models.Status) models.Status {
	t := count(statuses)
	switch {
	case len(statuses) == 0:
		return models.StatusSuccess
	case t.pending == len(statuses):
		return models.StatusPending
	case t.pending+t.running > 0:
		return models.StatusRunning
	case t.failed > 0:
		return models.StatusFailed
	default:
		return models.StatusSuccess
	}
}

// AggregateCommands derives an execution's status from its commands. Any
// failed command fails the execution; commands after it stay pending.
func AggregateCommands(statuses []models.Status) models.Status {
	t := count(statuses)
	switch {
	case t.failed > 0:
		return models.StatusFailed
	case t.success == len(statuses):
		return models.StatusSuccess
	case t.pending == len(statuses):
		return models.StatusPending
	default:
		return models.StatusRunning
	}
}

func unitStatuses(cmd *models.ExecutionCommand) []models.Status {
	out := make([]models.Status, len(cmd.Servers))
	for i, u := range cmd.Servers {
		out[i] = u.Status
	}
	return out
}

func commandStatuses(exec *models.Execution) []models.Status {
	out := make([]models.Status, len(exec.Commands))
	for i, c := range exec.Commands {
		out[i] = c.Status
	}
	return out
}
