package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deemkeen/anancus/ids"
	"github.com/deemkeen/anancus/store"
)

const testDomain = "example.social"

type inboxFixture struct {
	inbox      *Inbox
	users      *mockUserIndex
	objects    *mockObjectIndex
	blobs      *mockBlobStore
	quarantine *mockBlobStore
}

func newInboxFixture(usernames ...string) *inboxFixture {
	f := &inboxFixture{
		users:      newMockUserIndex(usernames...),
		objects:    newMockObjectIndex(),
		blobs:      newMockBlobStore(),
		quarantine: newMockBlobStore(),
	}
	f.inbox = &Inbox{
		Users:      f.users,
		Objects:    f.objects,
		Blobs:      f.blobs,
		Quarantine: f.quarantine,
		Client:     NewDefaultHTTPClient(0),
		Domain:     testDomain,
	}
	return f
}

// newRemoteActor starts a fake remote instance serving one actor document
// and returns its base URL, the actor URI, and the actor's signing key.
func newRemoteActor(t *testing.T, username string) (*httptest.Server, string, *rsa.PrivateKey) {
	t.Helper()
	key, public, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	publicPEM, err := publicKeyToPEM(public)
	if err != nil {
		t.Fatalf("Failed to encode public key: %v", err)
	}

	var actorURI string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/"+username {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"type":              "Person",
			"id":                actorURI,
			"preferredUsername": username,
			"inbox":             actorURI + "/inbox",
			"publicKey": map[string]any{
				"id":           actorURI + "#main-key",
				"owner":        actorURI,
				"publicKeyPem": publicPEM,
			},
		})
	}))
	t.Cleanup(server.Close)
	actorURI = server.URL + "/users/" + username
	return server, actorURI, key
}

// signedInboxPost builds a signed delivery to alice's inbox.
func signedInboxPost(t *testing.T, keyID string, key *rsa.PrivateKey, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest("POST", "https://"+testDomain+"/users/alice/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", ContentTypeActivity)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if err := SignRequest(req, key, keyID); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	return req
}

func TestReceiveDropsSelfDelete(t *testing.T) {
	f := newInboxFixture("alice")
	body := []byte(`{"type":"Delete","actor":"https://b.example/users/bob","object":"https://b.example/users/bob"}`)
	req, _ := http.NewRequest("POST", "https://"+testDomain+"/users/alice/inbox", bytes.NewReader(body))

	key, err := f.inbox.Receive(context.Background(), "alice", req, body)
	if err != nil {
		t.Fatalf("Expected drop, got error: %v", err)
	}
	if key != "" {
		t.Errorf("Expected empty blob key, got %s", key)
	}
	if len(f.blobs.blobs) != 0 || len(f.quarantine.blobs) != 0 {
		t.Error("Self-delete must not be persisted or quarantined")
	}
}

func TestReceiveMissingSignatureQuarantines(t *testing.T) {
	f := newInboxFixture("alice")
	body := []byte(`{"type":"Follow","actor":"https://b.example/users/bob","object":"https://example.social/users/alice"}`)
	req, _ := http.NewRequest("POST", "https://"+testDomain+"/users/alice/inbox", bytes.NewReader(body))

	_, err := f.inbox.Receive(context.Background(), "alice", req, body)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
	if len(f.quarantine.blobs) != 1 {
		t.Errorf("Expected 1 quarantined envelope, got %d", len(f.quarantine.blobs))
	}
}

func TestReceiveAndDispatchFollow(t *testing.T) {
	f := newInboxFixture("alice")
	_, actorURI, key := newRemoteActor(t, "bob")

	follow := map[string]any{
		"id":     actorURI + "/activities/1",
		"type":   "Follow",
		"actor":  actorURI,
		"object": ids.ActorURI(testDomain, "alice"),
	}
	body, _ := json.Marshal(follow)
	req := signedInboxPost(t, actorURI+"#main-key", key, body)

	blobKey, err := f.inbox.Receive(context.Background(), "alice", req, body)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if _, ok := f.blobs.blobs[blobKey]; !ok {
		t.Fatalf("Inbound blob not persisted at %s", blobKey)
	}

	if err := f.inbox.Dispatch(context.Background(), "alice", blobKey); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(f.users.addedFollowers) != 1 || f.users.addedFollowers[0] != actorURI {
		t.Errorf("Expected follower %s, got %v", actorURI, f.users.addedFollowers)
	}

	staged := f.blobs.keysWithPrefix("staging/users/alice/")
	if len(staged) != 1 {
		t.Fatalf("Expected 1 staged Accept, got %v", staged)
	}
	accept, err := f.blobs.LoadJSON(context.Background(), staged[0])
	if err != nil {
		t.Fatalf("Failed to load staged Accept: %v", err)
	}
	if accept["type"] != "Accept" || accept["actor"] != ids.ActorURI(testDomain, "alice") {
		t.Errorf("Unexpected staged Accept: %v", accept)
	}
	embedded, ok := accept["object"].(map[string]any)
	if !ok || embedded["id"] != follow["id"] {
		t.Errorf("Staged Accept does not embed the Follow: %v", accept["object"])
	}
}

func TestReceiveRejectsSignerActorMismatch(t *testing.T) {
	f := newInboxFixture("alice")
	_, actorURI, key := newRemoteActor(t, "bob")

	body := []byte(`{"type":"Follow","actor":"https://c.example/users/carol","object":"https://example.social/users/alice"}`)
	req := signedInboxPost(t, actorURI+"#main-key", key, body)

	_, err := f.inbox.Receive(context.Background(), "alice", req, body)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
	if len(f.quarantine.blobs) != 1 {
		t.Errorf("Expected quarantined envelope, got %d", len(f.quarantine.blobs))
	}
	if len(f.blobs.blobs) != 0 {
		t.Error("Rejected delivery must not be persisted")
	}
}

func TestReceiveRejectsTamperedBody(t *testing.T) {
	f := newInboxFixture("alice")
	_, actorURI, key := newRemoteActor(t, "bob")

	follow := map[string]any{
		"type":   "Follow",
		"actor":  actorURI,
		"object": ids.ActorURI(testDomain, "alice"),
	}
	body, _ := json.Marshal(follow)
	req := signedInboxPost(t, actorURI+"#main-key", key, body)

	follow["object"] = "https://example.social/users/mallory"
	tampered, _ := json.Marshal(follow)

	_, err := f.inbox.Receive(context.Background(), "alice", req, tampered)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestReceiveUnknownUser(t *testing.T) {
	f := newInboxFixture("alice")
	_, actorURI, key := newRemoteActor(t, "bob")

	follow := map[string]any{
		"type":   "Follow",
		"actor":  actorURI,
		"object": "https://example.social/users/ghost",
	}
	body, _ := json.Marshal(follow)
	req, err := http.NewRequest("POST", "https://"+testDomain+"/users/ghost/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", ContentTypeActivity)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if err := SignRequest(req, key, actorURI+"#main-key"); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	_, err = f.inbox.Receive(context.Background(), "ghost", req, body)
	if err == nil {
		t.Fatal("Expected error for unknown user")
	}
}

func TestDispatchUndoRemovesFollower(t *testing.T) {
	f := newInboxFixture("alice")
	bob := "https://b.example/users/bob"
	f.users.followers["alice"] = []string{bob}

	undo := map[string]any{
		"id":    "https://b.example/activities/2",
		"type":  "Undo",
		"actor": bob,
		"object": map[string]any{
			"id":     "https://b.example/activities/1",
			"type":   "Follow",
			"actor":  bob,
			"object": ids.ActorURI(testDomain, "alice"),
		},
	}
	blobKey := store.InboxKey("alice", "undoblob")
	if err := f.blobs.SaveJSON(context.Background(), blobKey, undo); err != nil {
		t.Fatalf("Failed to seed blob: %v", err)
	}

	if err := f.inbox.Dispatch(context.Background(), "alice", blobKey); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(f.users.removedFollowers) != 1 || f.users.removedFollowers[0] != bob {
		t.Errorf("Expected follower removal of %s, got %v", bob, f.users.removedFollowers)
	}
}

func TestDispatchUndoByWrongActor(t *testing.T) {
	f := newInboxFixture("alice")
	bob := "https://b.example/users/bob"
	f.users.followers["alice"] = []string{bob}

	undo := map[string]any{
		"id":    "https://c.example/activities/9",
		"type":  "Undo",
		"actor": "https://c.example/users/carol",
		"object": map[string]any{
			"id":     "https://b.example/activities/1",
			"type":   "Follow",
			"actor":  bob,
			"object": ids.ActorURI(testDomain, "alice"),
		},
	}
	blobKey := store.InboxKey("alice", "badundo")
	if err := f.blobs.SaveJSON(context.Background(), blobKey, undo); err != nil {
		t.Fatalf("Failed to seed blob: %v", err)
	}

	if err := f.inbox.Dispatch(context.Background(), "alice", blobKey); err == nil {
		t.Fatal("Expected error undoing another actor's follow")
	}
	if len(f.users.removedFollowers) != 0 {
		t.Error("Follower must not be removed")
	}
}

func TestDispatchCreateRecordsReply(t *testing.T) {
	f := newInboxFixture("alice")

	create := map[string]any{
		"id":    "https://b.example/activities/3",
		"type":  "Create",
		"actor": "https://b.example/users/bob",
		"object": map[string]any{
			"id":        "https://b.example/notes/7",
			"type":      "Note",
			"content":   "nice post",
			"published": "2026-08-26T10:00:00Z",
			"inReplyTo": ids.PostURI(testDomain, "alice", "p1"),
		},
	}
	blobKey := store.InboxKey("alice", "replyblob")
	if err := f.blobs.SaveJSON(context.Background(), blobKey, create); err != nil {
		t.Fatalf("Failed to seed blob: %v", err)
	}

	if err := f.inbox.Dispatch(context.Background(), "alice", blobKey); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	replies := f.objects.replies["p1"]
	if len(replies) != 1 || replies[0].ID != "https://b.example/notes/7" {
		t.Fatalf("Expected recorded reply, got %v", replies)
	}
	if !replies[0].Published.Equal(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected published time: %v", replies[0].Published)
	}

	// Re-dispatch is a soft no-op
	if err := f.inbox.Dispatch(context.Background(), "alice", blobKey); err != nil {
		t.Fatalf("Duplicate dispatch failed: %v", err)
	}
	if len(f.objects.replies["p1"]) != 1 {
		t.Error("Duplicate reply must not be recorded twice")
	}
}

func TestDispatchCreateIgnoresForeignReply(t *testing.T) {
	f := newInboxFixture("alice")

	create := map[string]any{
		"id":    "https://b.example/activities/4",
		"type":  "Create",
		"actor": "https://b.example/users/bob",
		"object": map[string]any{
			"id":        "https://b.example/notes/8",
			"type":      "Note",
			"inReplyTo": "https://other.example/users/zoe/posts/p9",
		},
	}
	blobKey := store.InboxKey("alice", "foreignreply")
	if err := f.blobs.SaveJSON(context.Background(), blobKey, create); err != nil {
		t.Fatalf("Failed to seed blob: %v", err)
	}

	if err := f.inbox.Dispatch(context.Background(), "alice", blobKey); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(f.objects.replies) != 0 {
		t.Error("Foreign reply must not be recorded")
	}
}

func TestDispatchIgnoresOtherKinds(t *testing.T) {
	f := newInboxFixture("alice")

	for _, doc := range []map[string]any{
		{"id": "https://b.example/a/5", "type": "Like", "actor": "https://b.example/users/bob", "object": "https://example.social/users/alice/posts/p1"},
		{"id": "https://b.example/a/6", "type": "Question", "actor": "https://b.example/users/bob", "object": "x"},
	} {
		blobKey := store.InboxKey("alice", doc["id"].(string))
		if err := f.blobs.SaveJSON(context.Background(), blobKey, doc); err != nil {
			t.Fatalf("Failed to seed blob: %v", err)
		}
		if err := f.inbox.Dispatch(context.Background(), "alice", blobKey); err != nil {
			t.Errorf("Dispatch of %s should be ignored, got %v", doc["type"], err)
		}
	}
	if len(f.users.addedFollowers) != 0 || len(f.objects.replies) != 0 {
		t.Error("Ignored kinds must not mutate state")
	}
}
