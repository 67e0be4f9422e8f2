package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/ids"
	"github.com/deemkeen/anancus/store"
	"github.com/deemkeen/anancus/util"
)

// Bodies at or below this size are parsed before signature verification so
// self-directed Deletes from mass-deleted accounts can be dropped cheaply.
const maxPrefilterSize = 10 * 1024

// Inbox processes incoming ActivityPub activities for local users.
type Inbox struct {
	Users      UserIndex
	Objects    ObjectIndex
	Blobs      BlobStore
	Quarantine BlobStore
	Client     HTTPClient
	Domain     string
}

// Receive runs the verification pipeline on one delivery: prefilter, parse
// the signature, resolve the signer, verify, match signer to actor, look up
// the recipient, and persist the raw body keyed by its digest. It returns
// the inbox blob key for the dispatch step, or "" when the body was dropped
// by the prefilter. Rejected envelopes are quarantined before the error is
// returned.
func (in *Inbox) Receive(ctx context.Context, username string, r *http.Request, body []byte) (string, error) {
	var parsed map[string]any
	if len(body) <= maxPrefilterSize {
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err == nil {
			parsed = doc
			if isSelfDelete(doc) {
				log.Printf("Inbox: dropping self-directed Delete for %s", username)
				return "", nil
			}
		}
	}

	params, err := ParseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		in.quarantine(ctx, username, r, body)
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	signerURI := strings.SplitN(params.KeyID, "#", 2)[0]
	signer, err := FetchActor(ctx, in.Client, signerURI)
	if err != nil {
		if errors.Is(err, ErrTransient) {
			return "", err
		}
		in.quarantine(ctx, username, r, body)
		return "", fmt.Errorf("%w: failed to resolve signer %s: %v", ErrUnauthorized, signerURI, err)
	}

	if signer.PublicKeyID() != params.KeyID {
		in.quarantine(ctx, username, r, body)
		return "", fmt.Errorf("%w: actor key %s does not match signature keyId %s", ErrUnauthorized, signer.PublicKeyID(), params.KeyID)
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	if _, err := VerifyRequest(r, signer.PublicKeyPem()); err != nil {
		in.quarantine(ctx, username, r, body)
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if parsed == nil {
		if err := json.Unmarshal(body, &parsed); err != nil {
			in.quarantine(ctx, username, r, body)
			return "", fmt.Errorf("%w: unparseable body: %v", ErrUnauthorized, err)
		}
	}
	actorID := referenceID(parsed["actor"])
	if actorID == "" || actorID != signer.ID() {
		in.quarantine(ctx, username, r, body)
		return "", fmt.Errorf("%w: signer %s is not the activity actor %s", ErrUnauthorized, signer.ID(), actorID)
	}

	if _, err := in.Users.FindUserByUsername(ctx, username); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			in.quarantine(ctx, username, r, body)
		}
		return "", err
	}

	key := store.InboxKey(username, util.Sha256URLSafe(body))
	checksum := strings.TrimPrefix(r.Header.Get("Digest"), "SHA-256=")
	if err := in.Blobs.PutObject(ctx, key, body, checksum); err != nil {
		if errors.Is(err, store.ErrChecksumMismatch) {
			in.quarantine(ctx, username, r, body)
			return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return "", fmt.Errorf("failed to persist inbound blob: %w", err)
	}

	log.Printf("Inbox: persisted delivery for %s at %s", username, key)
	return key, nil
}

// Dispatch loads a persisted inbound blob and applies it: Follow inserts a
// follower edge and stages an Accept, Undo of a Follow removes the edge,
// Create of a reply records the reply edge. Other kinds are logged and
// ignored.
func (in *Inbox) Dispatch(ctx context.Context, username, blobKey string) error {
	doc, err := in.Blobs.LoadJSON(ctx, blobKey)
	if err != nil {
		return fmt.Errorf("failed to load inbound blob %s: %w", blobKey, err)
	}

	if _, err := in.Users.FindUserByUsername(ctx, username); err != nil {
		return err
	}

	act, err := ParseActivity(doc)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			log.Printf("Inbox: ignoring %v", err)
			return nil
		}
		return fmt.Errorf("invalid activity in %s: %w", blobKey, err)
	}

	log.Printf("Inbox: dispatching %s from %s for %s", act.Kind, act.Actor.ID(), username)

	switch act.Kind {
	case KindFollow:
		return in.dispatchFollow(ctx, username, act)
	case KindUndo:
		return in.dispatchUndo(ctx, username, act)
	case KindCreate:
		return in.dispatchCreate(ctx, username, act)
	case KindAccept, KindReject, KindLike, KindAnnounce, KindDelete:
		log.Printf("Inbox: ignoring %s from %s", act.Kind, act.Actor.ID())
		return nil
	}
	return nil
}

func (in *Inbox) dispatchFollow(ctx context.Context, username string, act *Activity) error {
	recipient := ids.ActorURI(in.Domain, username)
	if act.ObjectRef.ID() != recipient {
		return fmt.Errorf("follow object %s does not name %s", act.ObjectRef.ID(), recipient)
	}

	if err := in.Users.AddFollower(ctx, username, act.Actor.ID(), act.ID()); err != nil {
		return fmt.Errorf("failed to add follower: %w", err)
	}

	// The response id is assigned at translation; stage only the payload.
	accept := map[string]any{
		"type":   "Accept",
		"actor":  recipient,
		"to":     []any{act.Actor.ID()},
		"object": cloneDoc(act.ToDict()),
	}
	unique := ids.NewUniquePart()
	if err := in.Blobs.SaveJSON(ctx, store.StagingKey(username, unique), accept); err != nil {
		return fmt.Errorf("failed to stage Accept: %w", err)
	}

	log.Printf("Inbox: accepted follow of %s by %s", username, act.Actor.ID())
	return nil
}

func (in *Inbox) dispatchUndo(ctx context.Context, username string, act *Activity) error {
	cache := NewObjectStore()
	undone, err := act.ObjectRef.Resolve(ctx, in.Client, cache)
	if err != nil {
		if errors.Is(err, ErrAbsent) || errors.Is(err, ErrGone) {
			log.Printf("Inbox: undone object %s is unavailable, ignoring", act.ObjectRef.ID())
			return nil
		}
		return fmt.Errorf("failed to resolve undone object: %w", err)
	}

	if undone.Type() != "Follow" {
		log.Printf("Inbox: ignoring Undo of %s", undone.Type())
		return nil
	}

	follow, err := ParseActivity(undone.ToDict())
	if err != nil {
		return fmt.Errorf("invalid undone Follow: %w", err)
	}
	if follow.Actor.ID() != act.Actor.ID() {
		return fmt.Errorf("actor %s cannot undo a follow by %s", act.Actor.ID(), follow.Actor.ID())
	}
	if follow.ObjectRef.ID() != ids.ActorURI(in.Domain, username) {
		log.Printf("Inbox: undone follow targets %s, not %s, ignoring", follow.ObjectRef.ID(), username)
		return nil
	}

	if err := in.Users.RemoveFollower(ctx, username, follow.Actor.ID()); err != nil {
		return fmt.Errorf("failed to remove follower: %w", err)
	}
	log.Printf("Inbox: removed follower %s of %s", follow.Actor.ID(), username)
	return nil
}

func (in *Inbox) dispatchCreate(ctx context.Context, username string, act *Activity) error {
	cache := NewObjectStore()
	created, err := act.ObjectRef.Resolve(ctx, in.Client, cache)
	if err != nil {
		if errors.Is(err, ErrAbsent) || errors.Is(err, ErrGone) {
			log.Printf("Inbox: created object %s is unavailable, ignoring", act.ObjectRef.ID())
			return nil
		}
		return fmt.Errorf("failed to resolve created object: %w", err)
	}

	note, err := created.AsNote()
	if err != nil {
		log.Printf("Inbox: ignoring Create of %s", created.Type())
		return nil
	}

	parent := note.InReplyTo()
	if parent == nil {
		log.Printf("Inbox: Create from %s is not a reply, ignoring", act.Actor.ID())
		return nil
	}

	parentDomain, parentUser, parentUnique, err := ids.ParsePostID(parent.ID())
	if err != nil || parentDomain != in.Domain || parentUser != username {
		log.Printf("Inbox: reply target %s is not a local post of %s, ignoring", parent.ID(), username)
		return nil
	}

	published, err := time.Parse(time.RFC3339, note.Published())
	if err != nil {
		published = time.Now().UTC()
	}
	reply := &domain.ReplyEdge{ID: note.ID(), Published: published.UTC()}
	if err := in.Objects.AddReplyToPost(ctx, username, parentUnique, reply); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			log.Printf("Inbox: reply %s already recorded", note.ID())
			return nil
		}
		return fmt.Errorf("failed to record reply: %w", err)
	}

	log.Printf("Inbox: recorded reply %s to post %s", note.ID(), parentUnique)
	return nil
}

// quarantine writes the rejected envelope to the forensic store. It never
// fails the request; write errors are only logged.
func (in *Inbox) quarantine(ctx context.Context, username string, r *http.Request, body []byte) {
	envelope := map[string]any{
		"username":    username,
		"signature":   r.Header.Get("Signature"),
		"date":        r.Header.Get("Date"),
		"digest":      r.Header.Get("Digest"),
		"contentType": r.Header.Get("Content-Type"),
		"body":        string(body),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("Inbox: failed to serialize quarantine envelope: %v", err)
		return
	}
	key := store.QuarantineKey(util.Sha256URLSafe(raw))
	if err := in.Quarantine.PutObject(ctx, key, raw, ""); err != nil {
		log.Printf("Inbox: failed to quarantine envelope at %s: %v", key, err)
	}
}

// isSelfDelete reports whether doc is a Delete whose actor and object are
// the same id.
func isSelfDelete(doc map[string]any) bool {
	if t, _ := doc["type"].(string); t != "Delete" {
		return false
	}
	actor := referenceID(doc["actor"])
	object := referenceID(doc["object"])
	return actor != "" && actor == object
}

// referenceID extracts the id of a URI-or-object field.
func referenceID(v any) string {
	ref, err := NewReference(v)
	if err != nil {
		return ""
	}
	return ref.ID()
}
