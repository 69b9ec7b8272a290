package models

// Live log event kinds.
const (
	EventOutput    = "output"
	EventStatus    = "status"
	EventCommand   = "command"
	EventExecution = "execution"
	EventCancelled = "cancelled"
)

// LiveLogEntry is one append-only record of an execution's event stream.
// UnitID is zero for execution-level events.
type LiveLogEntry struct {
	Seq         int64
	ExecutionID int64
	UnitID      int64
	Event       string
	Data        string
}
