package models

import "time"

// Student is the identity record scanned at dismissal time. The barcode is
// the stable key used by scanners and dashboards; it never changes once the
// record is created.
type Student struct {
	ID        string    `db:"id" json:"id"`
	Barcode   string    `db:"barcode" json:"barcode"`
	FullName  string    `db:"full_name" json:"full_name"`
	ClassName string    `db:"class_name" json:"class_name"`
	PhotoURL  *string   `db:"photo_url" json:"photo_url,omitempty"`
	SoundURL  *string   `db:"sound_url" json:"sound_url,omitempty"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search    string
	ClassName string
	Active    *bool
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
