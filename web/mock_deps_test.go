package web

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/ids"
	"github.com/deemkeen/anancus/store"
)

// mockUsers is an in-memory UserDirectory.
type mockUsers struct {
	users     map[string]*domain.User
	followers map[string][]string
	following map[string][]string
}

func newMockUsers(usernames ...string) *mockUsers {
	m := &mockUsers{
		users:     map[string]*domain.User{},
		followers: map[string][]string{},
		following: map[string][]string{},
	}
	for _, u := range usernames {
		m.users[u] = &domain.User{
			Username:       u,
			PublicKeyPem:   "-----BEGIN PUBLIC KEY-----\nstub\n-----END PUBLIC KEY-----",
			PrivateKeyPath: store.PrivateKeyParameter(u),
			CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			LastActivityAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return m
}

func (m *mockUsers) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	user, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: no such user: %s", db.ErrNotFound, username)
	}
	return user, nil
}

func (m *mockUsers) EnumerateFollowers(ctx context.Context, username string, perQuery, limit int, after, before string) ([]string, error) {
	return pageEdges(m.followers[username], limit, after, before), nil
}

func (m *mockUsers) EnumerateFollowing(ctx context.Context, username string, perQuery, limit int, after, before string) ([]string, error) {
	return pageEdges(m.following[username], limit, after, before), nil
}

// pageEdges mirrors the store's edge paging: ascending runs, exclusive
// cursors, before pages taken from the tail of the window.
func pageEdges(edges []string, limit int, after, before string) []string {
	sorted := append([]string(nil), edges...)
	sort.Strings(sorted)

	if before != "" {
		var window []string
		for _, e := range sorted {
			if before == ids.NewestSentinel || e < before {
				window = append(window, e)
			}
		}
		if len(window) > limit {
			window = window[len(window)-limit:]
		}
		return window
	}

	var out []string
	for _, e := range sorted {
		if after != "" && e <= after {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (m *mockUsers) CountAccounts(ctx context.Context) (int, error) {
	return len(m.users), nil
}

func (m *mockUsers) CountActiveSince(ctx context.Context, since time.Time) (int, error) {
	n := 0
	for _, u := range m.users {
		if !u.LastActivityAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// mockObjects is an in-memory ObjectDirectory keyed by serialized cursors,
// which sort chronologically.
type mockObjects struct {
	activities map[string][]domain.ActivityMeta // per username, any order
	posts      map[string]*domain.PostMeta      // username + "/" + uniquePart
	replies    map[string][]domain.ReplyEdge    // username + "/" + uniquePart
}

func newMockObjects() *mockObjects {
	return &mockObjects{
		activities: map[string][]domain.ActivityMeta{},
		posts:      map[string]*domain.PostMeta{},
		replies:    map[string][]domain.ReplyEdge{},
	}
}

func (m *mockObjects) FindUserPost(ctx context.Context, username, uniquePart string) (*domain.PostMeta, error) {
	post, ok := m.posts[username+"/"+uniquePart]
	if !ok {
		return nil, fmt.Errorf("%w: no such post: %s", db.ErrNotFound, uniquePart)
	}
	return post, nil
}

func (m *mockObjects) EnumerateUserActivities(ctx context.Context, user *domain.User, perQuery, limit int, afterPK, afterSK, beforePK, beforeSK string) ([]domain.ActivityMeta, error) {
	type entry struct {
		cursor string
		meta   domain.ActivityMeta
	}
	var entries []entry
	for _, meta := range m.activities[user.Username] {
		if !meta.IsPublic {
			continue
		}
		cursor, err := activityCursor(user.Username, &meta)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{cursor, meta})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].cursor < entries[j].cursor })

	forward := afterPK != ""
	var bound string
	if forward && afterSK != "" {
		cursor, err := ids.SerializeActivityCursor(afterPK, afterSK)
		if err != nil {
			return nil, err
		}
		bound = cursor
	}
	if beforePK != "" {
		cursor, err := ids.SerializeActivityCursor(beforePK, beforeSK)
		if err != nil {
			return nil, err
		}
		bound = cursor
	}

	var out []domain.ActivityMeta
	if forward {
		for _, e := range entries {
			if bound != "" && e.cursor <= bound {
				continue
			}
			out = append(out, e.meta)
			if len(out) == limit {
				break
			}
		}
		return out, nil
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if bound != "" && entries[i].cursor >= bound {
			continue
		}
		out = append(out, entries[i].meta)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockObjects) EnumerateReplies(ctx context.Context, username, uniquePart string, perQuery, limit int, after, before string) ([]domain.ReplyEdge, error) {
	edges := append([]domain.ReplyEdge(nil), m.replies[username+"/"+uniquePart]...)
	sort.Slice(edges, func(i, j int) bool {
		return ids.ReplySK(edges[i].Published, edges[i].ID) < ids.ReplySK(edges[j].Published, edges[j].ID)
	})

	var out []domain.ReplyEdge
	if after != "" {
		for _, e := range edges {
			if ids.ReplySK(e.Published, e.ID) <= after {
				continue
			}
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out, nil
	}
	for i := len(edges) - 1; i >= 0; i-- {
		sk := ids.ReplySK(edges[i].Published, edges[i].ID)
		if before != "" && sk >= before {
			continue
		}
		out = append(out, edges[i])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockObjects) CountUserActivities(ctx context.Context, username string) (int, error) {
	n := 0
	for _, meta := range m.activities[username] {
		if meta.IsPublic {
			n++
		}
	}
	return n, nil
}

func (m *mockObjects) CountLocalPosts(ctx context.Context) (int, error) {
	return len(m.posts), nil
}

// mockBlobs is an in-memory BlobReader.
type mockBlobs struct {
	docs map[string]map[string]any
}

func newMockBlobs() *mockBlobs {
	return &mockBlobs{docs: map[string]map[string]any{}}
}

func (m *mockBlobs) LoadJSON(ctx context.Context, key string) (map[string]any, error) {
	doc, ok := m.docs[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNoSuchKey, key)
	}
	return doc, nil
}

func (m *mockBlobs) SaveJSON(ctx context.Context, key string, doc map[string]any) error {
	m.docs[key] = doc
	return nil
}

// mockInbox records inbound pipeline invocations.
type mockInbox struct {
	receiveErr  error
	received    []string // usernames
	dispatched  []string // blob keys
	dispatchErr error
}

func (m *mockInbox) Receive(ctx context.Context, username string, r *http.Request, body []byte) (string, error) {
	if m.receiveErr != nil {
		return "", m.receiveErr
	}
	m.received = append(m.received, username)
	return store.InboxKey(username, "digest"), nil
}

func (m *mockInbox) Dispatch(ctx context.Context, username, blobKey string) error {
	m.dispatched = append(m.dispatched, blobKey)
	return m.dispatchErr
}

// mockParams is an in-memory ParameterStore.
type mockParams struct {
	params map[string]string
}

func (m *mockParams) GetParameter(ctx context.Context, path string, withDecryption bool) (string, error) {
	value, ok := m.params[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", store.ErrParameterNotFound, path)
	}
	return value, nil
}
