package web

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mammut-social/mammut/db"
	"github.com/mammut-social/mammut/federation"
	"github.com/mammut-social/mammut/util"
)

type actorKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type actorEndpoints struct {
	SharedInbox string `json:"sharedInbox"`
}

type actorDocument struct {
	Context           interface{}    `json:"@context"`
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	PreferredUsername string         `json:"preferredUsername"`
	Name              string         `json:"name"`
	Summary           string         `json:"summary"`
	Inbox             string         `json:"inbox"`
	Outbox            string         `json:"outbox"`
	Followers         string         `json:"followers"`
	Following         string         `json:"following"`
	URL               string         `json:"url"`
	ManuallyApproves  bool           `json:"manuallyApprovesFollowers"`
	Discoverable      bool           `json:"discoverable"`
	Endpoints         actorEndpoints `json:"endpoints"`
	PublicKey         actorKey       `json:"publicKey"`
}

// GetActor renders the ActivityPub actor document of a local account.
func GetActor(actor string, database *db.DB, conf *util.AppConfig) (error, string) {
	err, acc := database.ReadAccByUsername(actor)
	if err != nil {
		return err, "{}"
	}

	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	domainName := conf.Conf.Domain
	actorURI := federation.ActorURI(domainName, acc.Username)

	doc := actorDocument{
		Context: []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		ID:                actorURI,
		Type:              "Person",
		PreferredUsername: acc.Username,
		Name:              displayName,
		Summary:           acc.Summary,
		Inbox:             fmt.Sprintf("%s/inbox", actorURI),
		Outbox:            fmt.Sprintf("%s/outbox", actorURI),
		Followers:         federation.FollowersURI(domainName, acc.Username),
		Following:         fmt.Sprintf("%s/following", actorURI),
		URL:               actorURI,
		ManuallyApproves:  false,
		Discoverable:      true,
		Endpoints: actorEndpoints{
			SharedInbox: fmt.Sprintf("https://%s/inbox", domainName),
		},
		PublicKey: actorKey{
			ID:           actorURI + "#main-key",
			Owner:        actorURI,
			PublicKeyPem: acc.WebPublicKey,
		},
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}
	return nil, string(out)
}

// GetNoteObject returns a local note as an ActivityPub Note object.
func GetNoteObject(noteId uuid.UUID, database *db.DB, conf *util.AppConfig) (error, string) {
	err, note := database.ReadNoteId(noteId)
	if err != nil {
		return err, "{}"
	}

	err, account := database.ReadAccByUsername(note.CreatedBy)
	if err != nil {
		return err, "{}"
	}

	domainName := conf.Conf.Domain
	actorURI := federation.ActorURI(domainName, account.Username)
	noteURI := note.ObjectURI
	if noteURI == "" {
		noteURI = federation.NoteURI(domainName, note.Id)
	}

	noteObj := federation.NoteObject{
		ID:           noteURI,
		Type:         "Note",
		AttributedTo: actorURI,
		Content:      note.Message,
		Published:    note.CreatedAt.Format(time.RFC3339),
		To:           []string{federation.PublicAudience},
		Cc:           []string{federation.FollowersURI(domainName, account.Username)},
	}
	if note.Latitude != nil && note.Longitude != nil {
		noteObj.Location = &federation.Place{
			Type:      "Place",
			Name:      note.PlaceName,
			Latitude:  *note.Latitude,
			Longitude: *note.Longitude,
		}
	}

	wrapper := struct {
		Context string `json:"@context"`
		federation.NoteObject
	}{
		Context:    federation.ActivityStreamsContext,
		NoteObject: noteObj,
	}

	jsonBytes, err := json.Marshal(wrapper)
	if err != nil {
		return err, "{}"
	}

	return nil, string(jsonBytes)
}
