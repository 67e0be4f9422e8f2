package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/ids"
	"github.com/deemkeen/anancus/store"
)

// Outbox translates staged payloads into deliverable activities, expands
// their recipients, and delivers them to remote inboxes.
type Outbox struct {
	Users   UserIndex
	Objects ObjectIndex
	Blobs   BlobStore
	Params  ParameterStore
	Client  HTTPClient
	Domain  string
}

// Translate turns a staged payload into a deliverable activity and returns
// it with its unique part. Accepts get an id and context; Notes are
// persisted as posts and wrapped in a Create. Anything else fails with
// ErrUnsupported.
func (ob *Outbox) Translate(ctx context.Context, username string, staged map[string]any) (map[string]any, string, error) {
	obj, err := NewObject(staged)
	if err != nil {
		return nil, "", fmt.Errorf("invalid staged payload: %w", err)
	}
	actor := ids.ActorURI(ob.Domain, username)

	switch obj.Type() {
	case "Accept":
		unique := ids.NewUniquePart()
		activity := cloneDoc(staged)
		activity["@context"] = ASContext
		activity["id"] = ids.ActivityURI(ob.Domain, username, unique)
		return activity, unique, nil

	case "Note":
		postUnique := ids.NewUniquePart()
		now := time.Now().UTC()
		note := cloneDoc(staged)
		note["id"] = ids.PostURI(ob.Domain, username, postUnique)
		note["attributedTo"] = actor
		note["published"] = now.Format(ids.PublishedLayout)

		if err := ob.Blobs.SaveJSON(ctx, store.PostKey(username, postUnique), note); err != nil {
			return nil, "", fmt.Errorf("failed to persist post: %w", err)
		}
		meta := &domain.PostMeta{
			Username:   username,
			ID:         note["id"].(string),
			Type:       "Note",
			Published:  now,
			UniquePart: postUnique,
			IsPublic:   obj.IsPublic(),
		}
		if err := ob.Objects.PutPost(ctx, meta); err != nil {
			return nil, "", fmt.Errorf("failed to index post: %w", err)
		}

		unique := ids.NewUniquePart()
		create := map[string]any{
			"@context":  ASContext,
			"id":        ids.ActivityURI(ob.Domain, username, unique),
			"type":      "Create",
			"actor":     actor,
			"published": note["published"],
			"object":    note,
		}
		for _, field := range []string{"to", "cc", "bcc"} {
			if v, present := note[field]; present {
				create[field] = v
			}
		}
		return create, unique, nil
	}

	return nil, "", fmt.Errorf("%w: cannot translate %q", ErrUnsupported, obj.Type())
}

// SaveActivityInOutbox persists a translated activity blob and its index
// record, returning the outbox blob key.
func (ob *Outbox) SaveActivityInOutbox(ctx context.Context, username string, activity map[string]any, uniquePart string) (string, error) {
	obj, err := NewObject(activity)
	if err != nil {
		return "", fmt.Errorf("invalid activity: %w", err)
	}

	key := store.OutboxKey(username, uniquePart)
	if err := ob.Blobs.SaveJSON(ctx, key, activity); err != nil {
		return "", fmt.Errorf("failed to persist outbox activity: %w", err)
	}

	now := time.Now().UTC()
	published := now
	if parsed, err := time.Parse(ids.PublishedLayout, obj.Published()); err == nil {
		published = parsed
	}
	meta := &domain.ActivityMeta{
		Username:   username,
		ID:         obj.ID(),
		Type:       obj.Type(),
		Published:  published,
		CreatedAt:  now,
		UniquePart: uniquePart,
		IsPublic:   obj.IsPublic(),
	}
	if err := ob.Objects.PutActivity(ctx, meta); err != nil {
		return "", fmt.Errorf("failed to index activity: %w", err)
	}
	return key, nil
}

// ExpandRecipients resolves the activity's to, cc, and bcc addresses into a
// deduplicated list of inbox URIs, excluding the actor and the Public
// address. Internal /users/{u} paths map to that user's inbox; internal
// followers collections enumerate the edges and resolve each follower's
// preferred inbox. Gone or inaccessible recipients are skipped; remote
// Collections are deferred.
func (ob *Outbox) ExpandRecipients(ctx context.Context, username string, activity map[string]any) ([]string, error) {
	obj, err := NewObject(activity)
	if err != nil {
		return nil, fmt.Errorf("invalid activity: %w", err)
	}

	actor := ids.ActorURI(ob.Domain, username)
	seen := map[string]bool{actor: true, PublicAddress: true}
	cache := NewObjectStore()

	var inboxes []string
	collected := map[string]bool{}
	add := func(inbox string) {
		if inbox != "" && !collected[inbox] {
			collected[inbox] = true
			inboxes = append(inboxes, inbox)
		}
	}

	var addresses []string
	addresses = append(addresses, obj.To()...)
	addresses = append(addresses, obj.CC()...)
	addresses = append(addresses, obj.BCC()...)

	for _, addr := range addresses {
		if seen[addr] {
			continue
		}
		seen[addr] = true

		parsed, err := url.Parse(addr)
		if err != nil {
			log.Printf("Expand: skipping unparseable recipient %q", addr)
			continue
		}

		if parsed.Host == ob.Domain {
			if err := ob.expandInternal(ctx, parsed.Path, cache, add); err != nil {
				return nil, err
			}
			continue
		}

		if err := ob.expandExternal(ctx, addr, cache, add); err != nil {
			return nil, err
		}
	}
	return inboxes, nil
}

func (ob *Outbox) expandInternal(ctx context.Context, path string, cache *ObjectStore, add func(string)) error {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(segments) == 2 && segments[0] == "users":
		add(ids.InboxURI(ob.Domain, segments[1]))
		return nil

	case len(segments) == 3 && segments[0] == "users" && segments[2] == "followers":
		username := segments[1]
		after := ""
		for {
			batch, err := ob.Users.EnumerateFollowers(ctx, username, 100, 100, after, "")
			if err != nil {
				return fmt.Errorf("failed to enumerate followers of %s: %w", username, err)
			}
			if len(batch) == 0 {
				return nil
			}
			for _, followerID := range batch {
				inbox, err := ob.resolveActorInbox(ctx, followerID, cache)
				if err != nil {
					if errors.Is(err, ErrGone) || errors.Is(err, ErrAbsent) {
						log.Printf("Expand: skipping follower %s: %v", followerID, err)
						continue
					}
					return err
				}
				add(inbox)
			}
			after = batch[len(batch)-1]
		}

	default:
		return fmt.Errorf("unsupported internal recipient path %q", path)
	}
}

func (ob *Outbox) expandExternal(ctx context.Context, addr string, cache *ObjectStore, add func(string)) error {
	ref, err := NewReference(addr)
	if err != nil {
		return err
	}
	obj, err := ref.Resolve(ctx, ob.Client, cache)
	if err != nil {
		if errors.Is(err, ErrGone) || errors.Is(err, ErrAbsent) {
			log.Printf("Expand: skipping recipient %s: %v", addr, err)
			return nil
		}
		return err
	}

	switch {
	case actorTypes[obj.Type()]:
		actor, err := obj.AsActor()
		if err != nil {
			return err
		}
		add(actor.PreferredInbox())
	case collectionTypes[obj.Type()]:
		// Remote collection resolution is deferred.
		log.Printf("Expand: deferring collection recipient %s", addr)
	default:
		log.Printf("Expand: recipient %s is %s, skipping", addr, obj.Type())
	}
	return nil
}

func (ob *Outbox) resolveActorInbox(ctx context.Context, actorURI string, cache *ObjectStore) (string, error) {
	if obj, ok := cache.Get(actorURI); ok {
		if actor, err := obj.AsActor(); err == nil {
			return actor.PreferredInbox(), nil
		}
	}
	actor, err := FetchActor(ctx, ob.Client, actorURI)
	if err != nil {
		return "", err
	}
	cache.Put(actor.Object)
	return actor.PreferredInbox(), nil
}

// Deliver loads the activity from its outbox blob, signs it with the user's
// private key, and POSTs it to inboxURI. 429 and timeouts map to
// ErrTransient, 410 to ErrGone, other non-2xx statuses to StatusError.
func (ob *Outbox) Deliver(ctx context.Context, username, outboxKey, inboxURI string) error {
	doc, err := ob.Blobs.LoadJSON(ctx, outboxKey)
	if err != nil {
		return fmt.Errorf("failed to load outbox activity %s: %w", outboxKey, err)
	}
	if doc["@context"] == nil {
		return fmt.Errorf("stored activity %s has no @context", outboxKey)
	}
	obj, err := NewObject(doc)
	if err != nil || obj.ID() == "" {
		return fmt.Errorf("stored activity %s is not deliverable", outboxKey)
	}

	actorDomain, actorUser, _, err := ids.ParseUserID(referenceID(doc["actor"]))
	if err != nil || actorDomain != ob.Domain || actorUser != username {
		return fmt.Errorf("activity actor %v does not belong to this server", doc["actor"])
	}

	user, err := ob.Users.FindUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if user.PrivateKeyPath == "" {
		return fmt.Errorf("user %s has no private key reference", username)
	}
	pemString, err := ob.Params.GetParameter(ctx, user.PrivateKeyPath, true)
	if err != nil {
		return fmt.Errorf("failed to load private key for %s: %w", username, err)
	}
	key, err := ParsePrivateKey(pemString)
	if err != nil {
		return fmt.Errorf("failed to parse private key for %s: %w", username, err)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentTypeActivity)
	req.Header.Set("Accept", ContentTypeActivity)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := SignRequest(req, key, ids.KeyID(ob.Domain, username)); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := ob.Client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: deliver to %s: %v", ErrTransient, inboxURI, err)
		}
		return fmt.Errorf("deliver to %s: %w", inboxURI, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		log.Printf("Deliver: sent %s to %s (status %d)", obj.Type(), inboxURI, resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s answered 429", ErrTransient, inboxURI)
	case resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s", ErrGone, inboxURI)
	default:
		return &StatusError{Status: resp.StatusCode, URL: inboxURI}
	}
}
