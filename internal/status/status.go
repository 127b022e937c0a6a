// Package status maps provider call status vocabulary onto the canonical call
// status lattice used by the synchronization engine.
package status

// Status is the canonical call status stored on every call record.
type Status string

const (
	Scheduled  Status = "scheduled"
	Initiated  Status = "initiated"
	Ringing    Status = "ringing"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Cancelled  Status = "cancelled"
)

// TerminalRank is shared by every terminal status.
const TerminalRank = 4

var ranks = map[Status]int{
	Scheduled:  0,
	Initiated:  1,
	Ringing:    2,
	InProgress: 3,
	Completed:  TerminalRank,
	Failed:     TerminalRank,
	Cancelled:  TerminalRank,
}

// Rank returns the lattice position of the status, -1 when the status is unknown.
func (s Status) Rank() int {
	rank, ok := ranks[s]
	if !ok {
		return -1
	}

	return rank
}

func (s Status) Valid() bool {
	_, ok := ranks[s]
	return ok
}

func (s Status) Terminal() bool {
	return s.Rank() == TerminalRank
}

func (s Status) String() string {
	return string(s)
}

// All returns every canonical status in lattice order.
func All() []Status {
	return []Status{Scheduled, Initiated, Ringing, InProgress, Completed, Failed, Cancelled}
}
