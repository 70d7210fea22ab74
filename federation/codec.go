package federation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mammut-social/mammut/domain"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	PublicAudience         = "https://www.w3.org/ns/activitystreams#Public"
)

// Codec errors. Unsupported types are acknowledged and dropped by the inbox,
// malformed activities are rejected with 400.
var (
	ErrUnsupportedActivityType = errors.New("unsupported activity type")
	ErrMalformedActivity       = errors.New("malformed activity")
)

const (
	TypeCreate = "Create"
	TypeFollow = "Follow"
	TypeAccept = "Accept"
	TypeUndo   = "Undo"
	TypeDelete = "Delete"
)

// Activity is the typed envelope exchanged between servers. Object holds the
// raw JSON of either an embedded object or a bare URI string; the accessors
// below decode it per variant.
type Activity struct {
	Context   interface{}     `json:"@context,omitempty"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Published string          `json:"published,omitempty"`
	To        []string        `json:"to,omitempty"`
	Cc        []string        `json:"cc,omitempty"`
	Object    json.RawMessage `json:"object,omitempty"`
}

// Place is an ActivityStreams location attached to a Note.
type Place struct {
	Type      string  `json:"type"`
	Name      string  `json:"name,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Attachment is a media reference on a Note.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// NoteObject is the payload of a Create activity.
type NoteObject struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	AttributedTo string       `json:"attributedTo"`
	Content      string       `json:"content"`
	Published    string       `json:"published,omitempty"`
	To           []string     `json:"to,omitempty"`
	Cc           []string     `json:"cc,omitempty"`
	Location     *Place       `json:"location,omitempty"`
	Attachment   []Attachment `json:"attachment,omitempty"`
}

// ObjectRef is the embedded object of Accept/Undo activities: a reference to
// a prior activity.
type ObjectRef struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Actor  string `json:"actor,omitempty"`
	Object string `json:"object,omitempty"`
}

// ObjectURI returns the id of the activity's object, whether the object is a
// bare URI string or an embedded object.
func (a *Activity) ObjectURI() string {
	if len(a.Object) == 0 {
		return ""
	}
	var uri string
	if err := json.Unmarshal(a.Object, &uri); err == nil {
		return uri
	}
	var embedded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &embedded); err == nil {
		return embedded.ID
	}
	return ""
}

// Note decodes the embedded Note object of a Create activity.
func (a *Activity) Note() (*NoteObject, error) {
	var note NoteObject
	if err := json.Unmarshal(a.Object, &note); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	if note.ID == "" || note.AttributedTo == "" {
		return nil, fmt.Errorf("%w: note missing id or attributedTo", ErrMalformedActivity)
	}
	return &note, nil
}

// Ref decodes the embedded object reference of an Accept or Undo activity.
func (a *Activity) Ref() (*ObjectRef, error) {
	var ref ObjectRef
	if err := json.Unmarshal(a.Object, &ref); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	if ref.ID == "" {
		return nil, fmt.Errorf("%w: object reference missing id", ErrMalformedActivity)
	}
	return &ref, nil
}

// PublishedAt parses the published timestamp, falling back to now when the
// sender omitted it.
func (a *Activity) PublishedAt() time.Time {
	if a.Published != "" {
		if t, err := time.Parse(time.RFC3339, a.Published); err == nil {
			return t
		}
	}
	return time.Now()
}

// Marshal serializes the activity for delivery.
func (a *Activity) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

var knownTypes = map[string]bool{
	TypeCreate: true,
	TypeFollow: true,
	TypeAccept: true,
	TypeUndo:   true,
	TypeDelete: true,
}

// Decode parses and validates inbound activity JSON.
func Decode(raw []byte) (*Activity, error) {
	var activity Activity
	if err := json.Unmarshal(raw, &activity); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedActivity, err)
	}
	if activity.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedActivity)
	}
	if activity.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedActivity)
	}
	if !knownTypes[activity.Type] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedActivityType, activity.Type)
	}
	if activity.Actor == "" {
		return nil, fmt.Errorf("%w: missing actor", ErrMalformedActivity)
	}
	if len(activity.Object) == 0 {
		return nil, fmt.Errorf("%w: missing object", ErrMalformedActivity)
	}
	return &activity, nil
}

// NewActivityURI mints a fresh activity id under the local domain.
func NewActivityURI(domainName string) string {
	return fmt.Sprintf("https://%s/activities/%s", domainName, uuid.New().String())
}

// ActorURI builds the canonical actor URI of a local account.
func ActorURI(domainName, username string) string {
	return fmt.Sprintf("https://%s/users/%s", domainName, username)
}

// FollowersURI builds the followers collection URI of a local account.
func FollowersURI(domainName, username string) string {
	return fmt.Sprintf("https://%s/users/%s/followers", domainName, username)
}

// NoteURI builds the object URI of a local note.
func NoteURI(domainName string, noteId uuid.UUID) string {
	return fmt.Sprintf("https://%s/notes/%s", domainName, noteId.String())
}

func mustRaw(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return b
}

// EncodeCreate maps a local note to a Create activity. Re-encoding a note
// that already carries an activity URI keeps that id.
func EncodeCreate(note *domain.Note, acc *domain.Account, domainName string) *Activity {
	actorURI := ActorURI(domainName, acc.Username)
	noteURI := note.ObjectURI
	if noteURI == "" {
		noteURI = NoteURI(domainName, note.Id)
	}
	activityURI := note.ActivityURI
	if activityURI == "" {
		activityURI = NewActivityURI(domainName)
	}

	audience := []string{PublicAudience}
	ccAudience := []string{FollowersURI(domainName, acc.Username)}

	noteObj := &NoteObject{
		ID:           noteURI,
		Type:         "Note",
		AttributedTo: actorURI,
		Content:      note.Message,
		Published:    note.CreatedAt.Format(time.RFC3339),
		To:           audience,
		Cc:           ccAudience,
	}
	if note.Latitude != nil && note.Longitude != nil {
		noteObj.Location = &Place{
			Type:      "Place",
			Name:      note.PlaceName,
			Latitude:  *note.Latitude,
			Longitude: *note.Longitude,
		}
	}
	for _, url := range note.Attachments {
		noteObj.Attachment = append(noteObj.Attachment, Attachment{Type: "Document", URL: url})
	}

	return &Activity{
		Context:   ActivityStreamsContext,
		ID:        activityURI,
		Type:      TypeCreate,
		Actor:     actorURI,
		Published: note.CreatedAt.Format(time.RFC3339),
		To:        audience,
		Cc:        ccAudience,
		Object:    mustRaw(noteObj),
	}
}

// EncodeFollow maps an outbound follow request to a Follow activity.
func EncodeFollow(acc *domain.Account, remoteActorURI, domainName, followURI string) *Activity {
	if followURI == "" {
		followURI = NewActivityURI(domainName)
	}
	return &Activity{
		Context: ActivityStreamsContext,
		ID:      followURI,
		Type:    TypeFollow,
		Actor:   ActorURI(domainName, acc.Username),
		Object:  mustRaw(remoteActorURI),
	}
}

// EncodeAccept maps an accepted inbound Follow to an Accept activity
// addressed back to the requester.
func EncodeAccept(acc *domain.Account, remoteActorURI, followURI, domainName string) *Activity {
	actorURI := ActorURI(domainName, acc.Username)
	// The id is derived from the follow URI: re-processing the same Follow
	// yields the same Accept, which the delivery queue deduplicates.
	acceptId := uuid.NewSHA1(uuid.NameSpaceURL, []byte(followURI))
	return &Activity{
		Context: ActivityStreamsContext,
		ID:      fmt.Sprintf("https://%s/activities/%s", domainName, acceptId),
		Type:    TypeAccept,
		Actor:   actorURI,
		Object: mustRaw(&ObjectRef{
			ID:     followURI,
			Type:   TypeFollow,
			Actor:  remoteActorURI,
			Object: actorURI,
		}),
	}
}

// EncodeDelete maps a local note deletion to a Delete activity carrying a
// Tombstone.
func EncodeDelete(note *domain.Note, acc *domain.Account, domainName string) *Activity {
	noteURI := note.ObjectURI
	if noteURI == "" {
		noteURI = NoteURI(domainName, note.Id)
	}
	return &Activity{
		Context: ActivityStreamsContext,
		ID:      NewActivityURI(domainName),
		Type:    TypeDelete,
		Actor:   ActorURI(domainName, acc.Username),
		To:      []string{PublicAudience},
		Object: mustRaw(&ObjectRef{
			ID:   noteURI,
			Type: "Tombstone",
		}),
	}
}

// EncodeUndoFollow maps an unfollow to an Undo activity wrapping the prior
// Follow.
func EncodeUndoFollow(acc *domain.Account, follow *domain.Follow, remoteActorURI, domainName string) *Activity {
	actorURI := ActorURI(domainName, acc.Username)
	return &Activity{
		Context: ActivityStreamsContext,
		ID:      NewActivityURI(domainName),
		Type:    TypeUndo,
		Actor:   actorURI,
		Object: mustRaw(&ObjectRef{
			ID:     follow.URI,
			Type:   TypeFollow,
			Actor:  actorURI,
			Object: remoteActorURI,
		}),
	}
}
