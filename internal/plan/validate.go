package plan

import (
	"regexp"

	"github.com/mpataki/gun/internal/models"
	"go.trai.ch/zerr"
)

// MaxNameLength bounds task, environment, server and parameter names.
const MaxNameLength = 128

var (
	// ErrInvalidName is returned when a name does not match the name grammar.
	ErrInvalidName = zerr.New("invalid name")
	// ErrNoRoles is returned for a command without any role.
	ErrNoRoles = zerr.New("command has no roles")
	// ErrEmptyCommand is returned for a command with blank text.
	ErrEmptyCommand = zerr.New("command is empty")
	// ErrDuplicateRank is returned when two commands or parameters share a rank.
	ErrDuplicateRank = zerr.New("duplicate rank")
	// ErrDuplicateParameter is returned when a parameter name is declared twice.
	ErrDuplicateParameter = zerr.New("duplicate parameter")
	// ErrUnknownParameter is returned when a value is supplied for an undeclared parameter.
	ErrUnknownParameter = zerr.New("unknown parameter")
	// ErrApplicationMismatch is returned when task and environment belong to different applications.
	ErrApplicationMismatch = zerr.New("task and environment belong to different applications")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateName checks a name against the name grammar.
func ValidateName(kind, name string) error {
	if len(name) == 0 || len(name) > MaxNameLength || !namePattern.MatchString(name) {
		return zerr.With(zerr.With(zerr.Wrap(ErrInvalidName, "validation failed"), "kind", kind), "name", name)
	}
	return nil
}

// ValidateTask checks a task definition. Definition errors reject plan construction.
func ValidateTask(task *models.Task) error {
	if err := ValidateName("application", task.Application); err != nil {
		return err
	}
	if err := ValidateName("task", task.Name); err != nil {
		return err
	}

	ranks := make(map[int]bool)
	for _, cmd := range task.Commands {
		if ranks[cmd.Rank] {
			return withTask(zerr.With(zerr.Wrap(ErrDuplicateRank, "invalid command order"), "rank", cmd.Rank), task)
		}
		ranks[cmd.Rank] = true
		if len(cmd.Roles) == 0 {
			return withTask(zerr.With(zerr.Wrap(ErrNoRoles, "invalid command"), "rank", cmd.Rank), task)
		}
		if cmd.Command == "" {
			return withTask(zerr.With(zerr.Wrap(ErrEmptyCommand, "invalid command"), "rank", cmd.Rank), task)
		}
	}

	ranks = make(map[int]bool)
	names := make(map[string]bool)
	for _, p := range task.Parameters {
		if err := ValidateName("parameter", p.Name); err != nil {
			return withTask(err, task)
		}
		if names[p.Name] {
			return withTask(zerr.With(zerr.Wrap(ErrDuplicateParameter, "invalid parameters"), "parameter", p.Name), task)
		}
		names[p.Name] = true
		if ranks[p.Rank] {
			return withTask(zerr.With(zerr.Wrap(ErrDuplicateRank, "invalid parameter order"), "rank", p.Rank), task)
		}
		ranks[p.Rank] = true
	}
	return nil
}

// ValidateEnvironment checks an environment definition.
func ValidateEnvironment(env *models.Environment) error {
	if err := ValidateName("application", env.Application); err != nil {
		return err
	}
	if err := ValidateName("environment", env.Name); err != nil {
		return err
	}
	for _, s := range env.Servers {
		if err := ValidateName("server", s.Name); err != nil {
			return zerr.With(err, "environment", env.Name)
		}
	}
	return nil
}

func withTask(err error, task *models.Task) error {
	return zerr.With(err, "task", task.Name)
}
