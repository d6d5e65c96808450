package models

import "encoding/json"

// Broadcast event names carried over the push channel. The snapshot event is
// authoritative and supersedes any locally held partial state; the two
// incremental events are cheap deltas.
const (
	EventActiveStudents    = "active_students"
	EventStudentCheckedIn  = "student_checked_in"
	EventStudentCheckedOut = "student_checked_out"

	// EventRequestActiveStudents is sent by clients to ask for an immediate
	// targeted snapshot, e.g. right after connecting.
	EventRequestActiveStudents = "request_active_students"
)

// BroadcastMessage is the wire frame exchanged over the push channel. It is
// transient and never persisted.
type BroadcastMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CheckedOutPayload is the body of a student_checked_out event. Check-out
// deltas carry only the student key; clients already hold the display fields.
type CheckedOutPayload struct {
	Barcode string `json:"barcode"`
}
