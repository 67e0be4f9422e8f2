package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/store"
	"github.com/deemkeen/anancus/util"
)

// mockUserIndex is an in-memory UserIndex with call capture.
type mockUserIndex struct {
	users             map[string]*domain.User
	followers         map[string][]string
	addedFollowers    []string
	removedFollowers  []string
	lastActivityCalls []string
}

func newMockUserIndex(usernames ...string) *mockUserIndex {
	m := &mockUserIndex{
		users:     map[string]*domain.User{},
		followers: map[string][]string{},
	}
	for _, u := range usernames {
		m.users[u] = &domain.User{Username: u, PrivateKeyPath: "/anancus/users/" + u + "/privateKey"}
	}
	return m
}

func (m *mockUserIndex) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	user, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", db.ErrNotFound, username)
	}
	return user, nil
}

func (m *mockUserIndex) AddFollower(ctx context.Context, username, followerID, followActivityID string) error {
	for _, existing := range m.followers[username] {
		if existing == followerID {
			return nil
		}
	}
	m.followers[username] = append(m.followers[username], followerID)
	m.addedFollowers = append(m.addedFollowers, followerID)
	return nil
}

func (m *mockUserIndex) RemoveFollower(ctx context.Context, username, followerID string) error {
	kept := m.followers[username][:0]
	for _, existing := range m.followers[username] {
		if existing != followerID {
			kept = append(kept, existing)
		}
	}
	m.followers[username] = kept
	m.removedFollowers = append(m.removedFollowers, followerID)
	return nil
}

func (m *mockUserIndex) EnumerateFollowers(ctx context.Context, username string, perQuery, limit int, after, before string) ([]string, error) {
	all := append([]string(nil), m.followers[username]...)
	sort.Strings(all)
	var out []string
	for _, id := range all {
		if after != "" && id <= after {
			continue
		}
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockUserIndex) UpdateLastActivity(ctx context.Context, username string) error {
	m.lastActivityCalls = append(m.lastActivityCalls, username)
	return nil
}

// mockObjectIndex captures index writes.
type mockObjectIndex struct {
	activities []*domain.ActivityMeta
	posts      []*domain.PostMeta
	replies    map[string][]*domain.ReplyEdge // post uniquePart -> edges
}

func newMockObjectIndex() *mockObjectIndex {
	return &mockObjectIndex{replies: map[string][]*domain.ReplyEdge{}}
}

func (m *mockObjectIndex) PutActivity(ctx context.Context, meta *domain.ActivityMeta) error {
	m.activities = append(m.activities, meta)
	return nil
}

func (m *mockObjectIndex) PutPost(ctx context.Context, meta *domain.PostMeta) error {
	m.posts = append(m.posts, meta)
	return nil
}

func (m *mockObjectIndex) AddReplyToPost(ctx context.Context, username, uniquePart string, reply *domain.ReplyEdge) error {
	for _, existing := range m.replies[uniquePart] {
		if existing.ID == reply.ID {
			return fmt.Errorf("%w: reply %s", db.ErrDuplicate, reply.ID)
		}
	}
	m.replies[uniquePart] = append(m.replies[uniquePart], reply)
	return nil
}

// mockBlobStore is an in-memory BlobStore enforcing the checksum contract.
type mockBlobStore struct {
	blobs map[string][]byte
}

func newMockBlobStore() *mockBlobStore {
	return &mockBlobStore{blobs: map[string][]byte{}}
}

func (m *mockBlobStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	body, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNoSuchKey, key)
	}
	return body, nil
}

func (m *mockBlobStore) PutObject(ctx context.Context, key string, body []byte, checksum string) error {
	if checksum != "" && checksum != util.Sha256Base64(body) {
		return fmt.Errorf("%w: %s", store.ErrChecksumMismatch, key)
	}
	m.blobs[key] = body
	return nil
}

func (m *mockBlobStore) DeleteObject(ctx context.Context, key string) error {
	delete(m.blobs, key)
	return nil
}

func (m *mockBlobStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	var keys []string
	for key := range m.blobs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (m *mockBlobStore) LoadJSON(ctx context.Context, key string) (map[string]any, error) {
	body, err := m.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (m *mockBlobStore) SaveJSON(ctx context.Context, key string, doc map[string]any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return m.PutObject(ctx, key, body, "")
}

func (m *mockBlobStore) keysWithPrefix(prefix string) []string {
	keys, _ := m.List(context.Background(), prefix, 1000)
	return keys
}

// mockParameterStore is an in-memory ParameterStore.
type mockParameterStore struct {
	params map[string]string
}

func (m *mockParameterStore) GetParameter(ctx context.Context, path string, withDecryption bool) (string, error) {
	value, ok := m.params[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", store.ErrParameterNotFound, path)
	}
	return value, nil
}
