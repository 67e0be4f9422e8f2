// Package ids builds and parses the canonical URIs of the server and the
// opaque cursors used to page collections.
package ids

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is the UTC microsecond-precision layout used inside
// activity sort keys and cursors.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// PublishedLayout is the second-precision Zulu layout used by "published"
// properties and reply sort keys.
const PublishedLayout = "2006-01-02T15:04:05Z"

// OldestCursor points before any real item; '!' sorts before any URI
// character. A "prev" link on an empty backward page uses it.
const OldestCursor = "1970-01-01T00:00:00Z:!"

// NewestSentinel may be passed as a "before" cursor to request the last page.
const NewestSentinel = "~"

// NewUniquePart returns a fresh time-ordered unique part in canonical
// UUID-v7 textual form. Lexicographic order equals creation order.
func NewUniquePart() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does
		panic(err)
	}
	return id.String()
}

func ActorURI(domain, username string) string {
	return fmt.Sprintf("https://%s/users/%s", domain, username)
}

func InboxURI(domain, username string) string {
	return ActorURI(domain, username) + "/inbox"
}

func OutboxURI(domain, username string) string {
	return ActorURI(domain, username) + "/outbox"
}

func FollowersURI(domain, username string) string {
	return ActorURI(domain, username) + "/followers"
}

func FollowingURI(domain, username string) string {
	return ActorURI(domain, username) + "/following"
}

// KeyID is the signature key id of a user.
func KeyID(domain, username string) string {
	return ActorURI(domain, username) + "#main-key"
}

func ActivityURI(domain, username, uniquePart string) string {
	return fmt.Sprintf("%s/activities/%s", ActorURI(domain, username), uniquePart)
}

func PostURI(domain, username, uniquePart string) string {
	return fmt.Sprintf("%s/posts/%s", ActorURI(domain, username), uniquePart)
}

func RepliesURI(domain, username, uniquePart string) string {
	return PostURI(domain, username, uniquePart) + "/replies"
}

// ParseUserID splits an actor URI into domain, username, and the remaining
// path. Fails on a missing host or a path not rooted at /users/{u}.
func ParseUserID(uri string) (domain, username, remainder string, err error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid user id %q: %w", uri, err)
	}
	if parsed.Host == "" {
		return "", "", "", fmt.Errorf("user id has no host: %q", uri)
	}
	rest, ok := strings.CutPrefix(parsed.Path, "/users/")
	if !ok {
		return "", "", "", fmt.Errorf("user id path must start with /users/: %q", uri)
	}
	username, remainder, _ = strings.Cut(rest, "/")
	if username == "" {
		return "", "", "", fmt.Errorf("user id has an empty username: %q", uri)
	}
	return parsed.Host, username, remainder, nil
}

// ParseActivityID splits an activity URI into domain, username, and unique
// part. A trailing slash is accepted; extra path segments are not.
func ParseActivityID(uri string) (domain, username, uniquePart string, err error) {
	return parseOwnedID(uri, "activities")
}

// ParsePostID splits a post URI into domain, username, and unique part.
func ParsePostID(uri string) (domain, username, uniquePart string, err error) {
	return parseOwnedID(uri, "posts")
}

func parseOwnedID(uri, category string) (string, string, string, error) {
	domain, username, remainder, err := ParseUserID(uri)
	if err != nil {
		return "", "", "", err
	}
	remainder = strings.TrimSuffix(remainder, "/")
	rest, ok := strings.CutPrefix(remainder, category+"/")
	if !ok {
		return "", "", "", fmt.Errorf("not a %s id: %q", category, uri)
	}
	if rest == "" || strings.Contains(rest, "/") {
		return "", "", "", fmt.Errorf("not a %s id: %q", category, uri)
	}
	return domain, username, rest, nil
}

// activity keys as stored: pk "activity:{u}:{YYYY-MM}",
// sk "{DDTHH:MM:SS.ffffff}:{uniquePart}"

var (
	activityPKPattern     = regexp.MustCompile(`^activity:([^:]+):([0-9]{4}-[0-9]{2})$`)
	activitySKPattern     = regexp.MustCompile(`^([0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}\.[0-9]{6}):(.+)$`)
	activityCursorPattern = regexp.MustCompile(
		`^([0-9]{4}-[0-9]{2})-([0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}\.[0-9]{6}):(.+)$`)
	replyCursorPattern = regexp.MustCompile(
		`^([0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}Z):(.+)$`)
)

// ActivityPK builds the monthly partition key of a user's history.
func ActivityPK(username string, month time.Time) string {
	return fmt.Sprintf("activity:%s:%s", username, month.UTC().Format("2006-01"))
}

// ActivitySK builds the sort key of one activity record.
func ActivitySK(createdAt time.Time, uniquePart string) string {
	return fmt.Sprintf("%s:%s", createdAt.UTC().Format("02T15:04:05.000000"), uniquePart)
}

// SerializeActivityCursor folds an activity (pk, sk) pair into the cursor
// form "YYYY-MM-DDTHH:MM:SS.ffffff:{uniquePart}".
func SerializeActivityCursor(pk, sk string) (string, error) {
	pkMatch := activityPKPattern.FindStringSubmatch(pk)
	if pkMatch == nil {
		return "", fmt.Errorf("invalid activity partition key: %q", pk)
	}
	skMatch := activitySKPattern.FindStringSubmatch(sk)
	if skMatch == nil {
		return "", fmt.Errorf("invalid activity sort key: %q", sk)
	}
	return fmt.Sprintf("%s-%s:%s", pkMatch[2], skMatch[1], skMatch[2]), nil
}

// DeserializeActivityCursor splits a cursor back into the (pk, sk) pair for
// a given user. Inverse of SerializeActivityCursor.
func DeserializeActivityCursor(cursor, username string) (pk, sk string, err error) {
	match := activityCursorPattern.FindStringSubmatch(cursor)
	if match == nil {
		return "", "", fmt.Errorf("invalid activity cursor: %q", cursor)
	}
	pk = fmt.Sprintf("activity:%s:%s", username, match[1])
	sk = fmt.Sprintf("%s:%s", match[2], match[3])
	return pk, sk, nil
}

// ReplySK builds the sort key of one reply edge under its parent post.
func ReplySK(published time.Time, replyID string) string {
	return fmt.Sprintf("reply:%s:%s", published.UTC().Format(PublishedLayout), replyID)
}

// SerializeReplyCursor strips the "reply:" namespace from a reply sort key,
// yielding "YYYY-MM-DDTHH:MM:SSZ:{replyId}".
func SerializeReplyCursor(sk string) (string, error) {
	cursor, ok := strings.CutPrefix(sk, "reply:")
	if !ok {
		return "", fmt.Errorf("invalid reply sort key: %q", sk)
	}
	if replyCursorPattern.FindStringSubmatch(cursor) == nil {
		return "", fmt.Errorf("invalid reply sort key: %q", sk)
	}
	return cursor, nil
}

// DeserializeReplyCursor restores the stored sort key from a reply cursor.
func DeserializeReplyCursor(cursor string) (string, error) {
	if replyCursorPattern.FindStringSubmatch(cursor) == nil {
		return "", fmt.Errorf("invalid reply cursor: %q", cursor)
	}
	return "reply:" + cursor, nil
}

// Encode percent-encodes a cursor for embedding in a query string. Unlike
// query escaping, slashes and spaces are percent-encoded too.
func Encode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
