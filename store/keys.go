// Package store implements the addressable blob store holding activity
// documents, the quarantine, and the parameter store for private-key
// material.
package store

import (
	"fmt"
	"regexp"
	"strings"
)

// Blob key layouts, all relative to one bucket:
//
//	inbox/users/{u}/{base64url(sha256(body))}.json   raw received payloads
//	staging/users/{u}/{uniquePart}.json              staged outbound payloads
//	outbox/users/{u}/{uniquePart}.json               translated activities
//	objects/users/{u}/posts/{uniquePart}.json        post objects
//	inbox/{base64url(sha256(envelope))}.json         quarantine

func InboxKey(username, digest string) string {
	return fmt.Sprintf("inbox/users/%s/%s.json", username, digest)
}

func StagingKey(username, uniquePart string) string {
	return fmt.Sprintf("staging/users/%s/%s.json", username, uniquePart)
}

func OutboxKey(username, uniquePart string) string {
	return fmt.Sprintf("outbox/users/%s/%s.json", username, uniquePart)
}

func PostKey(username, uniquePart string) string {
	return fmt.Sprintf("objects/users/%s/posts/%s.json", username, uniquePart)
}

func QuarantineKey(digest string) string {
	return fmt.Sprintf("inbox/%s.json", digest)
}

// Parameter paths, rooted at the application namespace.

func PrivateKeyParameter(username string) string {
	return fmt.Sprintf("/anancus/users/%s/privateKey", username)
}

func OutboxTokenParameter(username string) string {
	return fmt.Sprintf("/anancus/users/%s/outboxToken", username)
}

var userObjectKeyPattern = regexp.MustCompile(`^objects/users/([^/]+)/([^/]+)/([^/.]+)\.([^/.]+)$`)

// ParseUserObjectKey splits an objects/users/... key into username,
// category, unique part, and extension.
func ParseUserObjectKey(key string) (username, category, uniquePart, ext string, err error) {
	match := userObjectKeyPattern.FindStringSubmatch(key)
	if match == nil {
		return "", "", "", "", fmt.Errorf("not a user object key: %q", key)
	}
	return match[1], match[2], match[3], match[4], nil
}

// UsernameFromOutboxKey extracts the owner of an outbox/users/... key.
func UsernameFromOutboxKey(key string) (string, error) {
	return usernameFromPrefixedKey(key, "outbox/users/")
}

// UsernameFromStagingKey extracts the owner of a staging/users/... key.
func UsernameFromStagingKey(key string) (string, error) {
	return usernameFromPrefixedKey(key, "staging/users/")
}

func usernameFromPrefixedKey(key, prefix string) (string, error) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return "", fmt.Errorf("key %q is not under %s", key, prefix)
	}
	username, _, ok := strings.Cut(rest, "/")
	if !ok || username == "" {
		return "", fmt.Errorf("key %q has no username segment", key)
	}
	return username, nil
}
