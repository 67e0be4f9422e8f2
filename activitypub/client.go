package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/deemkeen/anancus/util"
)

const acceptActivity = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// maxFetchSize caps remote object bodies, matching the inbound body cap.
const maxFetchSize = 1 * 1024 * 1024

var userAgent = util.Name + "/" + util.GetVersion() + " ActivityPub"

// FetchObject fetches an ActivityPub object from a remote URL with the AS
// media type. 401 answers are treated as an absent object (ErrAbsent), 410 as
// ErrGone, and 429 or timeouts as ErrTransient.
func FetchObject(ctx context.Context, client HTTPClient, rawURL string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", acceptActivity)
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: fetch %s: %v", ErrTransient, rawURL, err)
		}
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		log.Printf("Fetch: %s answered 401, treating as absent", rawURL)
		return nil, fmt.Errorf("%w: %s", ErrAbsent, rawURL)
	case resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrGone, rawURL)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s answered 429", ErrTransient, rawURL)
	case resp.StatusCode != http.StatusOK:
		return nil, &StatusError{Status: resp.StatusCode, URL: rawURL}
	}

	var doc map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFetchSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", rawURL, err)
	}
	return doc, nil
}

// FetchActor fetches and refines an actor document.
func FetchActor(ctx context.Context, client HTTPClient, actorURL string) (*Actor, error) {
	doc, err := FetchObject(ctx, client, actorURL)
	if err != nil {
		return nil, err
	}
	obj, err := NewObject(doc)
	if err != nil {
		return nil, fmt.Errorf("invalid actor document at %s: %w", actorURL, err)
	}
	return obj.AsActor()
}
