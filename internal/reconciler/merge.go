package reconciler

import "github.com/hbics/dismissal-api/internal/models"

// Merge builds the display record for one roster entry from an event payload
// and the master student directory. Precedence per field: event payload,
// then directory, then the zero value. Push events may carry partial records;
// the directory fills what they omit.
func Merge(event models.ActiveStudent, master *models.Student) models.ActiveStudent {
	out := event
	if master == nil {
		return out
	}
	if out.StudentID == "" {
		out.StudentID = master.ID
	}
	if out.FullName == "" {
		out.FullName = master.FullName
	}
	if out.ClassName == "" {
		out.ClassName = master.ClassName
	}
	if out.PhotoURL == nil {
		out.PhotoURL = master.PhotoURL
	}
	if out.SoundURL == nil {
		out.SoundURL = master.SoundURL
	}
	return out
}
