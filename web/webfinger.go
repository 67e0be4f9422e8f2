package web

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/anancus/activitypub"
	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/ids"
	"github.com/deemkeen/anancus/util"
)

var (
	// ErrBadResource marks a webfinger query that is not an acct: resource.
	ErrBadResource = errors.New("bad webfinger resource")
	// ErrUnexpectedDomain marks an acct: resource for another instance.
	ErrUnexpectedDomain = errors.New("unexpected webfinger domain")
)

// WebFingerLink is one entry of a JRD links array.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// WebFingerResponse is the JRD document answering an acct: lookup.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`
}

// ResolveWebFinger answers "acct:{user}@{domain}" for local users. The bare
// "acct:{user}" form is accepted too.
func (s *Server) ResolveWebFinger(ctx context.Context, resource string) (*WebFingerResponse, error) {
	acct, ok := strings.CutPrefix(resource, "acct:")
	if !ok || acct == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadResource, resource)
	}

	username := acct
	if at := strings.Index(acct, "@"); at >= 0 {
		username = acct[:at]
		if domain := acct[at+1:]; domain != s.domain() {
			return nil, fmt.Errorf("%w: %q", ErrUnexpectedDomain, domain)
		}
	}
	if valid, reason := util.IsValidWebFingerUsername(username); !valid {
		return nil, fmt.Errorf("%w: %s", ErrBadResource, reason)
	}

	if _, err := s.Users.FindUserByUsername(ctx, username); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to look up %s: %w", username, err)
	}

	return &WebFingerResponse{
		Subject: fmt.Sprintf("%s@%s", username, s.domain()),
		Links: []WebFingerLink{
			{
				Rel:  "self",
				Type: activitypub.ContentTypeActivity,
				Href: ids.ActorURI(s.domain(), username),
			},
		},
	}, nil
}
