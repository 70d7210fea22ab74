package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SaveNote struct {
	UserId  uuid.UUID
	Message string
}

// Note is a local post (check-in). Latitude/Longitude/PlaceName are optional
// and only set when the note carries a location.
type Note struct {
	Id          uuid.UUID
	CreatedBy   string
	Message     string
	CreatedAt   time.Time
	Visibility  string // "public", "unlisted", "followers", "direct"
	ObjectURI   string
	ActivityURI string // Create activity id, stable across re-encodes
	Federated   bool
	Latitude    *float64
	Longitude   *float64
	PlaceName   string
	Attachments []string // media URLs
}

func (note *Note) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tCreatedBy: %s \n\tMessage: %s \n\tCreatedAt: %s", note.Id, note.CreatedBy, note.Message, note.CreatedAt)
}
