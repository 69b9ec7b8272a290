package models

import "sort"

// Task is a reusable, ordered list of role-scoped commands.
type Task struct {
	ID          int64
	Application string
	Name        string
	Description string
	Commands    []*TaskCommand
	Parameters  []*TaskParameter
}

type TaskCommand struct {
	ID      int64
	Command string
	Roles   []string
	Rank    int
}

type TaskParameter struct {
	ID           int64
	Name         string
	DefaultValue string
	Description  string
	Rank         int
}

// CommandsOrdered returns the commands sorted by rank.
func (t *Task) CommandsOrdered() []*TaskCommand {
	cmds := make([]*TaskCommand, len(t.Commands))
	copy(cmds, t.Commands)
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Rank < cmds[j].Rank })
	return cmds
}

// ParametersOrdered returns the declared parameters sorted by rank.
func (t *Task) ParametersOrdered() []*TaskParameter {
	ps := make([]*TaskParameter, len(t.Parameters))
	copy(ps, t.Parameters)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Rank < ps[j].Rank })
	return ps
}
