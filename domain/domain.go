package domain

import (
	"time"
)

// User represents a local account, keyed by username within the configured
// domain.
type User struct {
	Username       string
	Name           string
	Summary        string
	URL            string
	PublicKeyPem   string
	PrivateKeyPath string // parameter-store reference, never the key itself
	FollowerCount  int64
	FollowingCount int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActivityAt time.Time
}

// FollowerEdge records that a remote actor follows a local user.
type FollowerEdge struct {
	Username         string
	FollowerID       string // remote actor id URI
	FollowActivityID string
	CreatedAt        time.Time
}

// FolloweeEdge records that a local user follows a remote actor.
type FolloweeEdge struct {
	Username         string
	FolloweeID       string
	FollowActivityID string
	CreatedAt        time.Time
}

// ActivityMeta is the index record of one activity in a user's history.
// Records are partitioned by (username, YYYY-MM) and ordered by
// (created_at, unique part); they are immutable once written.
type ActivityMeta struct {
	Username   string
	ID         string // activity id URI
	Type       string
	Published  time.Time
	CreatedAt  time.Time
	UniquePart string
	IsPublic   bool
}

// PostMeta is the index record of one post object.
type PostMeta struct {
	Username   string
	ID         string // post id URI
	Type       string // always "Note"
	Published  time.Time
	UniquePart string
	IsPublic   bool
	ReplyCount int64
}

// ReplyEdge records a remote reply to a local post, sorted chronologically
// inside the parent post's partition.
type ReplyEdge struct {
	ID        string // replying object's id URI
	Published time.Time
}

// Change-feed event names, mirroring the key-value store's stream records.
const (
	EventInsert = "INSERT"
	EventRemove = "REMOVE"
)

// ChangeEvent is one record of the append-only change stream emitted by the
// key-value store on edge and reply mutations.
type ChangeEvent struct {
	Seq       int64
	EventName string
	PK        string
	SK        string
}
