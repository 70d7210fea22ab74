package web

import (
	"encoding/json"
	"fmt"

	"github.com/mammut-social/mammut/db"
	"github.com/mammut-social/mammut/federation"
	"github.com/mammut-social/mammut/util"
)

// GetOutbox returns an ActivityPub OrderedCollection of a user's public
// posts, so remote servers can discover them without following.
func GetOutbox(actor string, database *db.DB, conf *util.AppConfig) (error, string) {
	err, acc := database.ReadAccByUsername(actor)
	if err != nil {
		return err, "{}"
	}

	err, notes := database.ReadNotesByUsername(actor)
	if err != nil {
		return err, "{}"
	}

	domainName := conf.Conf.Domain
	outboxURL := fmt.Sprintf("%s/outbox", federation.ActorURI(domainName, acc.Username))

	var items []*federation.Activity
	if notes != nil {
		for _, note := range *notes {
			if note.Visibility != "public" {
				continue
			}
			n := note
			items = append(items, federation.EncodeCreate(&n, acc, domainName))
		}
	}

	collection := map[string]interface{}{
		"@context":     federation.ActivityStreamsContext,
		"id":           outboxURL,
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	}

	jsonData, err := json.Marshal(collection)
	if err != nil {
		return err, "{}"
	}
	return nil, string(jsonData)
}
