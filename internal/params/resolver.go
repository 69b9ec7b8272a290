// Package params substitutes ${name} placeholders in command text.
package params

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mpataki/gun/internal/models"
	"go.trai.ch/zerr"
)

// Names of the execution-derived global parameters.
const (
	GlobalApplication = "gun_application"
	GlobalEnvironment = "gun_environment"
	GlobalTask        = "gun_task"
	GlobalUser        = "gun_user"
	GlobalTime        = "gun_time"
)

// ErrUnresolvedParameter is returned in strict mode when a placeholder has no value.
var ErrUnresolvedParameter = zerr.New("unresolved parameter")

var placeholderPattern = regexp.MustCompile(`\$\{([^${}]+)\}`)

// Globals holds the fixed values derived from an execution.
type Globals struct {
	Application string
	Environment string
	Task        string
	User        string
	Time        int64
}

// GlobalsFor derives the global parameter values from an execution.
func GlobalsFor(exec *models.Execution) Globals {
	return Globals{
		Application: exec.Application,
		Environment: exec.EnvironmentName,
		Task:        exec.TaskName,
		User:        exec.User,
		Time:        exec.TimeCreated.UTC().Unix(),
	}
}

// pairs returns the globals in a fixed substitution order.
func (g Globals) pairs() [][2]string {
	return [][2]string{
		{GlobalApplication, g.Application},
		{GlobalEnvironment, g.Environment},
		{GlobalTask, g.Task},
		{GlobalUser, g.User},
		{GlobalTime, strconv.FormatInt(g.Time, 10)},
	}
}

// Option configures a Resolver.
type Option func(*Resolver)

// Strict makes Resolve fail when a placeholder survives substitution.
func Strict() Option {
	return func(r *Resolver) { r.strict = true }
}

type Resolver struct {
	globals [][2]string
	user    []*models.ExecutionParameter
	strict  bool
}

func New(globals Globals, user []*models.ExecutionParameter, opts ...Option) *Resolver {
	r := &Resolver{
		globals: globals.pairs(),
		user:    user,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve substitutes globals first and user parameters second, each in a
// single literal pass. A user value is never expanded again, but the user
// pass runs over the globals' output, so a global value that spells a user
// placeholder, such as a task named "${release}", is expanded.
func (r *Resolver) Resolve(text string) (string, error) {
	text = replaceAll(text, r.globals)

	user := make([][2]string, 0, len(r.user))
	for _, p := range r.user {
		user = append(user, [2]string{p.Name, p.Value})
	}
	text = replaceAll(text, user)

	if r.strict {
		if left := Placeholders(text); len(left) > 0 {
			return "", zerr.With(zerr.Wrap(ErrUnresolvedParameter, "cannot resolve command"), "parameters", left)
		}
	}
	return text, nil
}

// replaceAll substitutes every pair in one pass over text. A value that
// contains another pair's placeholder stays literal.
func replaceAll(text string, pairs [][2]string) string {
	if len(pairs) == 0 || !strings.Contains(text, "${") {
		return text
	}
	oldnew := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		oldnew = append(oldnew, Placeholder(p[0]), p[1])
	}
	return strings.NewReplacer(oldnew...).Replace(text)
}

// Placeholder renders the token for name.
func Placeholder(name string) string {
	return "${" + name + "}"
}

// Placeholders lists the parameter names referenced by text, in order of
// first appearance.
func Placeholders(text string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// IsGlobal reports whether name is reserved for a global parameter.
func IsGlobal(name string) bool {
	switch name {
	case GlobalApplication, GlobalEnvironment, GlobalTask, GlobalUser, GlobalTime:
		return true
	}
	return false
}
