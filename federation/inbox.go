package federation

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mammut-social/mammut/domain"
	"github.com/mammut-social/mammut/util"
)

// InboxProcessor validates inbound signed requests, deduplicates them and
// applies accepted activities to local state.
type InboxProcessor struct {
	store     Storage
	directory *Directory
	queue     *Queue
	conf      *util.AppConfig
	logger    *log.Logger
}

func NewInboxProcessor(store Storage, directory *Directory, queue *Queue, conf *util.AppConfig) *InboxProcessor {
	return &InboxProcessor{
		store:     store,
		directory: directory,
		queue:     queue,
		conf:      conf,
		logger:    log.WithPrefix("inbox"),
	}
}

// Receive handles POST /inbox and POST /users/{username}/inbox.
// Responses: 202 accepted/acknowledged, 400 malformed, 401 bad signature,
// 403 authorization violation. Nothing is applied before the signature,
// decode and dedup checks all pass.
func (p *InboxProcessor) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	signer, err := p.verifySigner(r, body)
	if err != nil {
		p.logger.Warn("Rejecting unsigned or badly signed request", "err", err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	activity, err := Decode(body)
	if err != nil {
		if errors.Is(err, ErrUnsupportedActivityType) {
			// Extensions we don't speak are acknowledged and dropped.
			p.logger.Info("Ignoring unsupported activity type", "actor", signer.ActorURI)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		p.logger.Warn("Rejecting malformed activity", "err", err)
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}

	p.logger.Info("Received activity", "type", activity.Type, "actor", activity.Actor)

	err, seen := p.store.HasInboundActivity(activity.ID)
	if err != nil {
		p.logger.Error("Dedup lookup failed", "err", err)
		http.Error(w, "Storage error", http.StatusInternalServerError)
		return
	}
	if seen {
		// Duplicate delivery: acknowledge without reapplying effects.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if status, err := p.apply(activity, signer); err != nil {
		p.logger.Warn("Failed to apply activity", "type", activity.Type, "actor", activity.Actor, "err", err)
		http.Error(w, err.Error(), status)
		return
	}

	// Without the dedup marker the next delivery would re-apply; fail the
	// request so the sender retries. Effects are existence-checked.
	if err := p.store.RecordInboundActivity(activity.ID, time.Now()); err != nil {
		p.logger.Error("Failed to record inbound activity", "err", err)
		http.Error(w, "Storage error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// verifySigner resolves the signer from the Signature header's keyId and
// verifies the request. A verification failure triggers one cache
// invalidation and re-fetch before final rejection, which covers remote key
// rotation.
func (p *InboxProcessor) verifySigner(r *http.Request, body []byte) (*domain.RemoteAccount, error) {
	keyId, err := KeyIdFromRequest(r)
	if err != nil {
		return nil, err
	}
	actorURI := ActorURIFromKeyId(keyId)

	signer, err := p.directory.Resolve(r.Context(), actorURI)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve signer %s: %w", actorURI, err)
	}

	_, err = VerifyRequest(r, body, signer.PublicKeyPem, p.conf.MaxClockSkew())
	if err == nil {
		return signer, nil
	}
	if !errors.Is(err, ErrSignatureInvalid) {
		return nil, err
	}

	// The cached key may be stale; re-fetch once and retry.
	p.directory.Invalidate(actorURI)
	signer, rerr := p.directory.Resolve(r.Context(), actorURI)
	if rerr != nil {
		return nil, err
	}
	if _, err := VerifyRequest(r, body, signer.PublicKeyPem, p.conf.MaxClockSkew()); err != nil {
		return nil, err
	}
	return signer, nil
}

// apply dispatches on the closed set of activity types the codec admits.
func (p *InboxProcessor) apply(activity *Activity, signer *domain.RemoteAccount) (int, error) {
	switch activity.Type {
	case TypeCreate:
		return p.applyCreate(activity)
	case TypeFollow:
		return p.applyFollow(activity, signer)
	case TypeAccept:
		return p.applyAccept(activity)
	case TypeUndo:
		return p.applyUndo(activity, signer)
	case TypeDelete:
		return p.applyDelete(activity, signer)
	}
	// Decode upstream rejects anything else.
	return http.StatusBadRequest, fmt.Errorf("unexpected activity type %s", activity.Type)
}

// applyCreate persists the embedded Note as a status attributed to the
// remote actor. Re-delivery of a known object is a no-op.
func (p *InboxProcessor) applyCreate(activity *Activity) (int, error) {
	note, err := activity.Note()
	if err != nil {
		return http.StatusBadRequest, err
	}

	if err, existing := p.store.ReadRemoteStatusByObjectURI(note.ID); err == nil && existing != nil {
		return 0, nil
	}

	status := &domain.RemoteStatus{
		Id:        uuid.New(),
		ObjectURI: note.ID,
		ActorURI:  activity.Actor,
		Content:   note.Content,
		Published: activity.PublishedAt(),
		CreatedAt: time.Now(),
	}
	if note.Location != nil {
		lat, lon := note.Location.Latitude, note.Location.Longitude
		status.Latitude = &lat
		status.Longitude = &lon
		status.PlaceName = note.Location.Name
	}

	if err := p.store.CreateRemoteStatus(status); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("failed to persist status: %w", err)
	}
	return 0, nil
}

// applyFollow records the follow and enqueues an Accept back to the
// requester's inbox.
func (p *InboxProcessor) applyFollow(activity *Activity, signer *domain.RemoteAccount) (int, error) {
	targetURI := activity.ObjectURI()
	username := usernameFromActorURI(targetURI)
	err, localAccount := p.store.ReadAccByUsername(username)
	if err != nil || localAccount == nil {
		return http.StatusBadRequest, fmt.Errorf("follow target %q not found", username)
	}

	follow := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       signer.Id,
		TargetAccountId: localAccount.Id,
		URI:             activity.ID,
		Accepted:        true,
		CreatedAt:       time.Now(),
	}
	if err := p.store.CreateFollow(follow); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("failed to create follow: %w", err)
	}

	accept := EncodeAccept(localAccount, signer.ActorURI, activity.ID, p.conf.Conf.Domain)
	payload, err := accept.Marshal()
	if err != nil {
		return http.StatusInternalServerError, err
	}
	if err := p.queue.Enqueue(accept.ID, signer.InboxURI, payload); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("failed to queue Accept: %w", err)
	}

	p.logger.Info("Accepted follow", "from", signer.ActorURI, "to", localAccount.Username)
	return 0, nil
}

// applyAccept marks our earlier outbound Follow as accepted.
func (p *InboxProcessor) applyAccept(activity *Activity) (int, error) {
	ref, err := activity.Ref()
	if err != nil {
		return http.StatusBadRequest, err
	}
	if err := p.store.AcceptFollowByURI(ref.ID); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("failed to accept follow: %w", err)
	}
	return 0, nil
}

// applyUndo removes the referenced prior effect, provided the undoing actor
// owns it.
func (p *InboxProcessor) applyUndo(activity *Activity, signer *domain.RemoteAccount) (int, error) {
	ref, err := activity.Ref()
	if err != nil {
		return http.StatusBadRequest, err
	}

	switch ref.Type {
	case TypeFollow:
		err, follow := p.store.ReadFollowByURI(ref.ID)
		if err != nil || follow == nil {
			// Undo of something we never recorded; acknowledge.
			return 0, nil
		}
		if follow.AccountId != signer.Id {
			return http.StatusForbidden, fmt.Errorf("undo of follow %s by non-owner", ref.ID)
		}
		if err := p.store.DeleteFollowByURI(ref.ID); err != nil {
			return http.StatusInternalServerError, fmt.Errorf("failed to delete follow: %w", err)
		}
		p.logger.Info("Removed follow", "from", signer.ActorURI)
	default:
		p.logger.Info("Ignoring Undo of unsupported object type", "type", ref.Type)
	}
	return 0, nil
}

// applyDelete tombstones the referenced object, or removes the actor and
// everything referencing it when an actor deletes itself.
func (p *InboxProcessor) applyDelete(activity *Activity, signer *domain.RemoteAccount) (int, error) {
	objectURI := activity.ObjectURI()
	if objectURI == "" {
		return http.StatusBadRequest, fmt.Errorf("%w: delete without object", ErrMalformedActivity)
	}

	if objectURI == activity.Actor {
		p.logger.Info("Actor deleted their account", "actor", activity.Actor)
		if err := p.store.DeleteRemoteAccount(signer); err != nil {
			return http.StatusInternalServerError, fmt.Errorf("failed to remove actor: %w", err)
		}
		return 0, nil
	}

	err, status := p.store.ReadRemoteStatusByObjectURI(objectURI)
	if err != nil || status == nil {
		// Unknown object; acknowledge.
		return 0, nil
	}
	if status.ActorURI != activity.Actor {
		return http.StatusForbidden, fmt.Errorf("delete of %s by non-owner", objectURI)
	}
	if err := p.store.TombstoneRemoteStatus(objectURI); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("failed to tombstone status: %w", err)
	}
	p.logger.Info("Tombstoned status", "object", objectURI)
	return 0, nil
}
