package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/domain"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	kv, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func seedUser(t *testing.T, kv *db.DB, username string) *db.UserTable {
	t.Helper()
	users := db.NewUserTable(kv)
	err := users.PutUser(context.Background(), &domain.User{
		Username:  username,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to seed user: %v", err)
	}
	return users
}

func TestDrainFoldsFollowerEvents(t *testing.T) {
	kv := openTestDB(t)
	ctx := context.Background()
	users := seedUser(t, kv, "alice")

	// Two inserts and one remove fold to a net +1
	for i, follower := range []string{"https://a.example/users/x", "https://b.example/users/y"} {
		if err := users.AddFollower(ctx, "alice", follower, "https://a.example/activities/f"+string(rune('0'+i))); err != nil {
			t.Fatalf("AddFollower failed: %v", err)
		}
	}
	if err := users.RemoveFollower(ctx, "alice", "https://a.example/users/x"); err != nil {
		t.Fatalf("RemoveFollower failed: %v", err)
	}

	if err := DrainOnce(ctx, kv); err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}

	user, err := users.FindUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if user.FollowerCount != 1 {
		t.Errorf("Expected followerCount 1, got %d", user.FollowerCount)
	}

	// The feed is trimmed once applied
	events, err := kv.ReadChanges(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ReadChanges failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected drained feed, got %d events", len(events))
	}

	// Draining an empty feed leaves the counter alone
	if err := DrainOnce(ctx, kv); err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}
	user, _ = users.FindUserByUsername(ctx, "alice")
	if user.FollowerCount != 1 {
		t.Errorf("Counter drifted on empty drain: %d", user.FollowerCount)
	}
}

func TestDrainFoldsReplyEvents(t *testing.T) {
	kv := openTestDB(t)
	ctx := context.Background()
	objects := db.NewObjectTable(kv)

	post := &domain.PostMeta{
		Username:   "alice",
		ID:         "https://example.social/users/alice/posts/p1",
		Type:       "Note",
		Published:  time.Now().UTC(),
		UniquePart: "p1",
		IsPublic:   true,
	}
	if err := objects.PutPost(ctx, post); err != nil {
		t.Fatalf("PutPost failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		reply := &domain.ReplyEdge{
			ID:        "https://remote.example/notes/" + string(rune('0'+i)),
			Published: time.Date(2023, 5, 20, 10, i, 0, 0, time.UTC),
		}
		if err := objects.AddReplyToPost(ctx, "alice", "p1", reply); err != nil {
			t.Fatalf("AddReplyToPost failed: %v", err)
		}
	}

	if err := DrainOnce(ctx, kv); err != nil {
		t.Fatalf("DrainOnce failed: %v", err)
	}

	got, err := objects.FindUserPost(ctx, "alice", "p1")
	if err != nil {
		t.Fatalf("FindUserPost failed: %v", err)
	}
	if got.ReplyCount != 3 {
		t.Errorf("Expected replyCount 3, got %d", got.ReplyCount)
	}
}

func TestClassifyIgnoresUnrelatedKeys(t *testing.T) {
	tests := []struct {
		name string
		ev   domain.ChangeEvent
		want bool
	}{
		{
			name: "user record",
			ev:   domain.ChangeEvent{EventName: domain.EventInsert, PK: "user:alice", SK: "reserved"},
			want: false,
		},
		{
			name: "post metadata",
			ev:   domain.ChangeEvent{EventName: domain.EventInsert, PK: "object:alice:post:p1", SK: "metadata"},
			want: false,
		},
		{
			name: "follower edge",
			ev:   domain.ChangeEvent{EventName: domain.EventInsert, PK: "follower:alice", SK: "https://a.example/users/x"},
			want: true,
		},
		{
			name: "unknown event name",
			ev:   domain.ChangeEvent{EventName: "MODIFY", PK: "follower:alice", SK: "https://a.example/users/x"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ok := classify(tt.ev)
			if ok != tt.want {
				t.Errorf("classify(%+v) = %v, want %v", tt.ev, ok, tt.want)
			}
		})
	}
}
