package models

import "time"

// Execution is one run of a Task against an Environment.
type Execution struct {
	ID              int64
	TaskID          int64
	EnvironmentID   int64
	Application     string
	TaskName        string
	EnvironmentName string
	User            string
	Status          Status
	TimeCreated     time.Time
	TimeStart       *time.Time
	TimeEnd         *time.Time
	DispatchID      string
	// OwnerPID is the process that claimed the execution for dispatch.
	OwnerPID        int
	Parameters      []*ExecutionParameter
	Commands        []*ExecutionCommand
}

type ExecutionParameter struct {
	ID    int64
	Name  string
	Value string
}

// ExecutionCommand is a TaskCommand materialized for one execution.
type ExecutionCommand struct {
	ID          int64
	ExecutionID int64
	Command     string
	Roles       []string
	Rank        int
	Status      Status
	TimeStart   *time.Time
	TimeEnd     *time.Time
	Servers     []*ExecutionCommandServer
}

// ExecutionCommandServer is one command bound to one server: the unit of work.
type ExecutionCommandServer struct {
	ID                 int64
	ExecutionCommandID int64
	ServerID           int64
	ServerName         string
	ServerHost         string
	Status             Status
	TimeStart          *time.Time
	TimeEnd            *time.Time
	ReturnCode         *int
	Output             string
}

func (e *Execution) Duration() time.Duration {
	return duration(e.TimeStart, e.TimeEnd)
}

func (c *ExecutionCommand) Duration() time.Duration {
	return duration(c.TimeStart, c.TimeEnd)
}

func (u *ExecutionCommandServer) Duration() time.Duration {
	return duration(u.TimeStart, u.TimeEnd)
}

// Unit finds a unit by id anywhere in the execution.
func (e *Execution) Unit(id int64) (*ExecutionCommand, *ExecutionCommandServer) {
	for _, cmd := range e.Commands {
		for _, u := range cmd.Servers {
			if u.ID == id {
				return cmd, u
			}
		}
	}
	return nil, nil
}

func duration(start, end *time.Time) time.Duration {
	if start == nil || end == nil {
		return 0
	}
	return end.Sub(*start)
}
