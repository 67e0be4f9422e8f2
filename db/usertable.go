package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/ids"
)

// UserTable persists user records and their follower/followee edges on the
// wide table:
//
//	pk user:{u}      sk reserved       user record
//	pk follower:{u}  sk {followerId}   follower edge
//	pk followee:{u}  sk {followeeId}   followee edge
type UserTable struct {
	kv *DB
}

func NewUserTable(kv *DB) *UserTable {
	return &UserTable{kv: kv}
}

const userRecordSK = "reserved"

func userPK(username string) string     { return "user:" + username }
func followerPK(username string) string { return "follower:" + username }
func followeePK(username string) string { return "followee:" + username }

// PutUser creates or replaces a user record. Counters of an existing record
// survive the write.
func (t *UserTable) PutUser(ctx context.Context, user *domain.User) error {
	existing, err := t.kv.GetItem(ctx, userPK(user.Username), userRecordSK)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	attrs := map[string]any{
		"name":           user.Name,
		"summary":        user.Summary,
		"url":            user.URL,
		"publicKeyPem":   user.PublicKeyPem,
		"privateKeyPath": user.PrivateKeyPath,
		"followerCount":  user.FollowerCount,
		"followingCount": user.FollowingCount,
		"createdAt":      user.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":      user.UpdatedAt.UTC().Format(time.RFC3339),
		"lastActivityAt": user.LastActivityAt.UTC().Format(time.RFC3339),
	}
	if existing != nil {
		attrs["followerCount"] = existing.Attrs["followerCount"]
		attrs["followingCount"] = existing.Attrs["followingCount"]
	}
	return t.kv.PutItem(ctx, &Item{PK: userPK(user.Username), SK: userRecordSK, Attrs: attrs}, CondNone)
}

// FindUserByUsername looks a user up; ErrNotFound when absent.
func (t *UserTable) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	item, err := t.kv.GetItem(ctx, userPK(username), userRecordSK)
	if err != nil {
		return nil, err
	}
	return userFromItem(username, item), nil
}

func userFromItem(username string, item *Item) *domain.User {
	user := &domain.User{
		Username:       username,
		Name:           attrString(item.Attrs, "name"),
		Summary:        attrString(item.Attrs, "summary"),
		URL:            attrString(item.Attrs, "url"),
		PublicKeyPem:   attrString(item.Attrs, "publicKeyPem"),
		PrivateKeyPath: attrString(item.Attrs, "privateKeyPath"),
		FollowerCount:  attrInt(item.Attrs, "followerCount"),
		FollowingCount: attrInt(item.Attrs, "followingCount"),
		CreatedAt:      attrTime(item.Attrs, "createdAt"),
		UpdatedAt:      attrTime(item.Attrs, "updatedAt"),
		LastActivityAt: attrTime(item.Attrs, "lastActivityAt"),
	}
	return user
}

// AddFollower conditionally inserts a follower edge. A duplicate insert is
// logged and treated as success; counters are maintained by the statistics
// worker, never here.
func (t *UserTable) AddFollower(ctx context.Context, username, followerID, followActivityID string) error {
	item := &Item{
		PK: followerPK(username),
		SK: followerID,
		Attrs: map[string]any{
			"followActivityId": followActivityID,
			"createdAt":        time.Now().UTC().Format(time.RFC3339),
		},
	}
	err := t.kv.PutItem(ctx, item, CondNotExists)
	if errors.Is(err, ErrConditionFailed) {
		log.Printf("UserTable: follower edge already exists: %s -> %s", followerID, username)
		return nil
	}
	return err
}

// RemoveFollower removes a follower edge; removing an absent edge is logged
// and treated as success.
func (t *UserTable) RemoveFollower(ctx context.Context, username, followerID string) error {
	err := t.kv.DeleteItem(ctx, followerPK(username), followerID, CondExists)
	if errors.Is(err, ErrConditionFailed) {
		log.Printf("UserTable: follower edge already removed: %s -> %s", followerID, username)
		return nil
	}
	return err
}

// AddFollowee conditionally inserts a followee edge, symmetric to
// AddFollower.
func (t *UserTable) AddFollowee(ctx context.Context, username, followeeID, followActivityID string) error {
	item := &Item{
		PK: followeePK(username),
		SK: followeeID,
		Attrs: map[string]any{
			"followActivityId": followActivityID,
			"createdAt":        time.Now().UTC().Format(time.RFC3339),
		},
	}
	err := t.kv.PutItem(ctx, item, CondNotExists)
	if errors.Is(err, ErrConditionFailed) {
		log.Printf("UserTable: followee edge already exists: %s -> %s", username, followeeID)
		return nil
	}
	return err
}

// RemoveFollowee removes a followee edge.
func (t *UserTable) RemoveFollowee(ctx context.Context, username, followeeID string) error {
	err := t.kv.DeleteItem(ctx, followeePK(username), followeeID, CondExists)
	if errors.Is(err, ErrConditionFailed) {
		log.Printf("UserTable: followee edge already removed: %s -> %s", username, followeeID)
		return nil
	}
	return err
}

// EnumerateFollowers returns up to limit follower ids in sort-key order,
// paging the store with perQuery-sized queries. At most one of after and
// before may be set; before pages are scanned backward and reversed so the
// caller always receives an ascending run. The before sentinel "~" starts
// at the newest edge.
func (t *UserTable) EnumerateFollowers(ctx context.Context, username string, perQuery, limit int, after, before string) ([]string, error) {
	return t.enumerateEdges(ctx, followerPK(username), perQuery, limit, after, before)
}

// EnumerateFollowing is EnumerateFollowers over followee edges.
func (t *UserTable) EnumerateFollowing(ctx context.Context, username string, perQuery, limit int, after, before string) ([]string, error) {
	return t.enumerateEdges(ctx, followeePK(username), perQuery, limit, after, before)
}

func (t *UserTable) enumerateEdges(ctx context.Context, pk string, perQuery, limit int, after, before string) ([]string, error) {
	if after != "" && before != "" {
		return nil, fmt.Errorf("at most one of after and before may be given")
	}

	forward := before == ""
	start := after
	if !forward && before != ids.NewestSentinel {
		start = before
	}

	var out []string
	for len(out) < limit {
		items, next, err := t.kv.Query(ctx, QueryInput{
			PK:      pk,
			Forward: forward,
			Limit:   perQuery,
			StartSK: start,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			out = append(out, item.SK)
			if len(out) == limit {
				break
			}
		}
		if next == "" {
			break
		}
		start = next
	}

	if !forward {
		// emit a chronological run
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// CountAccounts returns the number of user records, for nodeinfo.
func (t *UserTable) CountAccounts(ctx context.Context) (int, error) {
	var n int
	err := t.kv.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE pk LIKE 'user:%' AND sk = ?`, userRecordSK).Scan(&n)
	return n, err
}

// CountActiveSince returns the number of users whose last activity falls at
// or after the given instant, for nodeinfo.
func (t *UserTable) CountActiveSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := t.kv.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE pk LIKE 'user:%' AND sk = ? AND json_extract(attrs, '$.lastActivityAt') >= ?`,
		userRecordSK, since.UTC().Format(time.RFC3339)).Scan(&n)
	return n, err
}

// UpdateLastActivity stamps the user's last activity time; a missing user
// maps to ErrNotFound.
func (t *UserTable) UpdateLastActivity(ctx context.Context, username string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	err := t.kv.UpdateItem(ctx, userPK(username), userRecordSK, map[string]any{
		"lastActivityAt": now,
		"updatedAt":      now,
	}, CondExists)
	if errors.Is(err, ErrConditionFailed) {
		return fmt.Errorf("%w: no such user: %s", ErrNotFound, username)
	}
	return err
}

func attrString(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

func attrInt(attrs map[string]any, key string) int64 {
	switch v := attrs[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func attrTime(attrs map[string]any, key string) time.Time {
	if v, ok := attrs[key].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func attrBool(attrs map[string]any, key string) bool {
	if v, ok := attrs[key].(bool); ok {
		return v
	}
	return false
}
