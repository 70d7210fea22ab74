package web

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mammut-social/mammut/db"
	"github.com/mammut-social/mammut/federation"
	"github.com/mammut-social/mammut/util"
)

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfingerDocument struct {
	Subject string          `json:"subject"`
	Links   []webfingerLink `json:"links"`
}

// GetWebfinger resolves an "acct:user@host" resource query to the local
// actor URI.
func GetWebfinger(resource string, database *db.DB, conf *util.AppConfig) (error, string) {
	if !strings.HasPrefix(resource, "acct:") {
		return fmt.Errorf("unsupported resource %q", resource), GetWebFingerNotFound()
	}
	handle := strings.TrimPrefix(resource, "acct:")
	user := strings.TrimSuffix(handle, fmt.Sprintf("@%s", conf.Conf.Domain))
	if strings.Contains(user, "@") {
		return fmt.Errorf("resource %q is not local", resource), GetWebFingerNotFound()
	}

	err, acc := database.ReadAccByUsername(user)
	if err != nil {
		return err, GetWebFingerNotFound()
	}

	doc := webfingerDocument{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, conf.Conf.Domain),
		Links: []webfingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: federation.ActorURI(conf.Conf.Domain, acc.Username),
			},
		},
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return err, GetWebFingerNotFound()
	}
	return nil, string(out)
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
