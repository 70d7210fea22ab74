package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mammut-social/mammut/domain"
	"github.com/mammut-social/mammut/util"
	"golang.org/x/sync/singleflight"
)

// Actor resolution errors. Unreachable actors are worth retrying, the other
// two are not.
var (
	ErrActorUnreachable = errors.New("actor unreachable")
	ErrActorNotFound    = errors.New("actor not found")
	ErrActorMalformed   = errors.New("actor malformed")
)

// ActorDocument is the JSON shape of a fetched ActivityPub actor.
type ActorDocument struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	Icon struct {
		Type      string `json:"type"`
		MediaType string `json:"mediaType"`
		URL       string `json:"url"`
	} `json:"icon"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// Directory resolves actor identities: local accounts from storage, remote
// actors through a read-through cache over signed HTTP fetches. Concurrent
// resolutions of the same uncached URI collapse into one fetch.
type Directory struct {
	store  Storage
	conf   *util.AppConfig
	client *http.Client
	group  singleflight.Group
	logger *log.Logger
}

func NewDirectory(store Storage, conf *util.AppConfig) *Directory {
	return &Directory{
		store:  store,
		conf:   conf,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.WithPrefix("directory"),
	}
}

// Resolve returns the actor for a URI, from cache when fresh.
func (d *Directory) Resolve(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	err, cached := d.store.ReadRemoteAccountByURI(actorURI)
	if err == nil && cached != nil {
		if time.Since(cached.LastFetchedAt) < d.conf.ActorCacheTTL() {
			return cached, nil
		}
	}

	v, err, _ := d.group.Do(actorURI, func() (interface{}, error) {
		return d.fetch(ctx, actorURI)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.RemoteAccount), nil
}

// Invalidate evicts a cached actor so the next Resolve re-fetches. Used by
// the inbox when a signature fails against a possibly rotated key.
func (d *Directory) Invalidate(actorURI string) {
	if err := d.store.ExpireRemoteAccount(actorURI); err != nil {
		d.logger.Warn("Failed to invalidate actor", "actor", actorURI, "err", err)
	}
}

func (d *Directory) fetch(ctx context.Context, actorURI string) (*domain.RemoteAccount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnreachable, err)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.UserAgent())
	d.signFetch(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrActorNotFound, actorURI)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrActorUnreachable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorUnreachable, err)
	}

	var doc ActorDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorMalformed, err)
	}

	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: missing id, inbox or public key", ErrActorMalformed)
	}

	domainName, err := extractDomain(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrActorMalformed, err)
	}

	remoteAcc := &domain.RemoteAccount{
		Id:             uuid.New(),
		Username:       doc.PreferredUsername,
		Domain:         domainName,
		ActorURI:       doc.ID,
		DisplayName:    doc.Name,
		Summary:        doc.Summary,
		InboxURI:       doc.Inbox,
		SharedInboxURI: doc.Endpoints.SharedInbox,
		OutboxURI:      doc.Outbox,
		PublicKeyPem:   doc.PublicKey.PublicKeyPem,
		AvatarURL:      doc.Icon.URL,
		LastFetchedAt:  time.Now(),
	}

	// Keep the original row id when refreshing a known actor.
	if err, existing := d.store.ReadRemoteAccountByURI(doc.ID); err == nil && existing != nil {
		remoteAcc.Id = existing.Id
	}

	if err := d.store.SaveRemoteAccount(remoteAcc); err != nil {
		return nil, fmt.Errorf("failed to store remote account: %w", err)
	}

	return remoteAcc, nil
}

// signFetch signs the outbound GET with the instance user's key. Remote
// servers in authorized-fetch mode reject unsigned actor requests.
func (d *Directory) signFetch(req *http.Request) {
	username := d.conf.Conf.InstanceUser
	if username == "" {
		return
	}
	err, acc := d.store.ReadAccByUsername(username)
	if err != nil || acc == nil {
		d.logger.Debug("Instance user not available for signed fetch", "user", username)
		return
	}
	keyID := ActorURI(d.conf.Conf.Domain, acc.Username) + "#main-key"
	if err := SignRequest(req, nil, acc.WebPrivateKey, keyID); err != nil {
		d.logger.Warn("Failed to sign actor fetch", "err", err)
	}
}

type webfingerResponse struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// Webfinger resolves a "user@host" handle to a canonical actor URI via the
// remote host's discovery endpoint.
func (d *Directory) Webfinger(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(handle, "@")
	parts := strings.Split(handle, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: invalid handle %q", ErrActorMalformed, handle)
	}
	user, host := parts[0], parts[1]

	endpoint := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		host, url.QueryEscape(fmt.Sprintf("acct:%s@%s", user, host)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrActorUnreachable, err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrActorUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", ErrActorNotFound, handle)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrActorUnreachable, resp.StatusCode)
	}

	var wf webfingerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&wf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrActorMalformed, err)
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && strings.Contains(link.Type, "activity+json") {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("%w: no self link for %s", ErrActorMalformed, handle)
}

// extractDomain extracts the host from an actor URI.
// "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid actor URI: %s", actorURI)
	}
	return parsed.Host, nil
}
