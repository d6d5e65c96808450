package models

import "time"

// DismissalAction enumerates the two roster transitions.
type DismissalAction string

const (
	ActionCheckIn  DismissalAction = "check_in"
	ActionCheckOut DismissalAction = "check_out"
)

// RosterSort selects the display ordering for the active roster. Ordering is
// a per-dashboard policy, not a data invariant.
type RosterSort string

const (
	RosterSortClass  RosterSort = "class"
	RosterSortRecent RosterSort = "recent"
)

// ActiveEntry marks a student as currently on-site awaiting pickup. The
// student_id column carries a UNIQUE constraint, so at most one entry can
// exist per student at any point in time.
type ActiveEntry struct {
	ID          string    `db:"id" json:"id"`
	StudentID   string    `db:"student_id" json:"student_id"`
	CheckedInAt time.Time `db:"checked_in_at" json:"checked_in_at"`
}

// ActiveStudent is an active roster entry joined with student display fields,
// the shape dashboards consume.
type ActiveStudent struct {
	StudentID   string    `db:"student_id" json:"student_id"`
	Barcode     string    `db:"barcode" json:"barcode"`
	FullName    string    `db:"full_name" json:"full_name"`
	ClassName   string    `db:"class_name" json:"class_name"`
	PhotoURL    *string   `db:"photo_url" json:"photo_url,omitempty"`
	SoundURL    *string   `db:"sound_url" json:"sound_url,omitempty"`
	CheckedInAt time.Time `db:"checked_in_at" json:"checked_in_at"`
}

// DismissalLog is one append-only audit row. Rows are never updated or
// deleted; for a single student check_in and check_out strictly alternate
// between scans.
type DismissalLog struct {
	ID         string          `db:"id" json:"id"`
	StudentID  string          `db:"student_id" json:"student_id"`
	Action     DismissalAction `db:"action" json:"action"`
	RecordedAt time.Time       `db:"recorded_at" json:"recorded_at"`
	ActorID    *string         `db:"actor_id" json:"actor_id,omitempty"`
}

// DismissalLogDetail joins a log row with student display fields.
type DismissalLogDetail struct {
	DismissalLog
	Barcode   string `db:"barcode" json:"barcode"`
	FullName  string `db:"full_name" json:"full_name"`
	ClassName string `db:"class_name" json:"class_name"`
}

// StudentStatus reports whether a student is currently on the active roster.
// Callers that time out on a scan are expected to consult this before
// retrying, so an ambiguous timeout is never mistaken for a double check-in.
type StudentStatus struct {
	Student     Student    `json:"student"`
	IsActive    bool       `json:"is_active"`
	CheckedInAt *time.Time `json:"checked_in_at,omitempty"`
}

// TodayActivity summarises the current day's dismissal traffic.
type TodayActivity struct {
	CheckIns  int                  `json:"check_ins"`
	CheckOuts int                  `json:"check_outs"`
	Entries   []DismissalLogDetail `json:"entries"`
}
