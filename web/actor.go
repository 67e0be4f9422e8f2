package web

import (
	"context"
	"fmt"

	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/ids"
	"github.com/deemkeen/anancus/store"
)

// securityContext is the JSON-LD context carrying the publicKey terms.
const securityContext = "https://w3id.org/security/v1"

// BuildActorDoc assembles the Person document of a local user.
func (s *Server) BuildActorDoc(user *domain.User) map[string]any {
	username := user.Username
	actorURI := ids.ActorURI(s.domain(), username)

	name := user.Name
	if name == "" {
		name = username
	}
	url := user.URL
	if url == "" {
		url = actorURI
	}

	doc := map[string]any{
		"@context": []any{
			"https://www.w3.org/ns/activitystreams",
			securityContext,
		},
		"id":                        actorURI,
		"type":                      "Person",
		"preferredUsername":         username,
		"name":                      name,
		"summary":                   user.Summary,
		"url":                       url,
		"inbox":                     ids.InboxURI(s.domain(), username),
		"outbox":                    ids.OutboxURI(s.domain(), username),
		"followers":                 ids.FollowersURI(s.domain(), username),
		"following":                 ids.FollowingURI(s.domain(), username),
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"endpoints": map[string]any{
			"sharedInbox": fmt.Sprintf("https://%s/inbox", s.domain()),
		},
		"publicKey": map[string]any{
			"id":           ids.KeyID(s.domain(), username),
			"owner":        actorURI,
			"publicKeyPem": user.PublicKeyPem,
		},
	}
	if !user.CreatedAt.IsZero() {
		doc["published"] = user.CreatedAt.UTC().Format(ids.PublishedLayout)
	}
	return doc
}

// BuildPostDoc loads a post's Note document and attaches the reference to
// its replies collection. Non-public posts are withheld.
func (s *Server) BuildPostDoc(ctx context.Context, username, uniquePart string) (map[string]any, error) {
	meta, err := s.Objects.FindUserPost(ctx, username, uniquePart)
	if err != nil {
		return nil, err
	}
	if !meta.IsPublic {
		return nil, fmt.Errorf("post %s is not public", meta.ID)
	}

	doc, err := s.Blobs.LoadJSON(ctx, store.PostKey(username, uniquePart))
	if err != nil {
		return nil, err
	}
	doc["@context"] = "https://www.w3.org/ns/activitystreams"
	doc["replies"] = ids.RepliesURI(s.domain(), username, uniquePart)
	return doc, nil
}
