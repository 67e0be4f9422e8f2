package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/anancus/activitypub"
	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/ids"
	"github.com/deemkeen/anancus/store"
)

func (f *serverFixture) do(t *testing.T, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	return doc
}

func TestRouterActor(t *testing.T) {
	f := newServerFixture("alice")

	w := f.do(t, http.MethodGet, "/users/alice", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, activitypub.ContentTypeActivity) {
		t.Errorf("Unexpected content type %q", ct)
	}
	doc := decodeJSON(t, w)
	if doc["type"] != "Person" || doc["preferredUsername"] != "alice" {
		t.Errorf("Unexpected actor doc: %v", doc)
	}
	key, ok := doc["publicKey"].(map[string]any)
	if !ok || key["id"] != ids.KeyID(testDomain, "alice") {
		t.Errorf("Unexpected publicKey: %v", doc["publicKey"])
	}

	if w := f.do(t, http.MethodGet, "/users/nobody", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown user, got %d", w.Code)
	}
}

func TestRouterWebFinger(t *testing.T) {
	f := newServerFixture("alice")

	w := f.do(t, http.MethodGet, "/.well-known/webfinger?resource=acct:alice@"+testDomain, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if doc := decodeJSON(t, w); doc["subject"] != "alice@"+testDomain {
		t.Errorf("Unexpected subject: %v", doc["subject"])
	}

	if w := f.do(t, http.MethodGet, "/.well-known/webfinger?resource=acct:alice@elsewhere.example", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for foreign domain, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/.well-known/webfinger?resource=bogus", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad resource, got %d", w.Code)
	}
}

func TestRouterPost(t *testing.T) {
	f := newServerFixture("alice")
	published := time.Date(2026, 8, 5, 8, 0, 0, 0, time.UTC)
	f.objects.posts["alice/p1"] = &domain.PostMeta{
		Username: "alice", ID: ids.PostURI(testDomain, "alice", "p1"),
		Type: "Note", Published: published, UniquePart: "p1", IsPublic: true,
	}
	f.objects.posts["alice/p2"] = &domain.PostMeta{
		Username: "alice", UniquePart: "p2", IsPublic: false,
	}
	f.blobs.docs[store.PostKey("alice", "p1")] = map[string]any{
		"id":      ids.PostURI(testDomain, "alice", "p1"),
		"type":    "Note",
		"content": "<p>hello</p>",
	}

	w := f.do(t, http.MethodGet, "/users/alice/posts/p1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	doc := decodeJSON(t, w)
	if doc["content"] != "<p>hello</p>" {
		t.Errorf("Unexpected post doc: %v", doc)
	}
	if doc["replies"] != ids.RepliesURI(testDomain, "alice", "p1") {
		t.Errorf("Unexpected replies link: %v", doc["replies"])
	}

	// withheld and missing posts answer identically
	if w := f.do(t, http.MethodGet, "/users/alice/posts/p2", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for withheld post, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/users/alice/posts/p9", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing post, got %d", w.Code)
	}
}

func TestRouterOutboxGet(t *testing.T) {
	f := newServerFixture("alice")
	f.seedActivities("alice", 3)

	w := f.do(t, http.MethodGet, "/users/alice/outbox", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	doc := decodeJSON(t, w)
	if doc["type"] != "OrderedCollection" || doc["totalItems"] != float64(3) {
		t.Errorf("Unexpected outbox root: %v", doc)
	}

	w = f.do(t, http.MethodGet, "/users/alice/outbox?page=true", "", nil)
	doc = decodeJSON(t, w)
	if doc["type"] != "OrderedCollectionPage" {
		t.Errorf("Unexpected page doc: %v", doc)
	}
	if len(doc["orderedItems"].([]any)) != 3 {
		t.Errorf("Unexpected items: %v", doc["orderedItems"])
	}

	if w := f.do(t, http.MethodGet, "/users/alice/outbox?page=true&after=a&before=b", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for conflicting cursors, got %d", w.Code)
	}
}

func TestRouterInboxPost(t *testing.T) {
	f := newServerFixture("alice")

	w := f.do(t, http.MethodPost, "/users/alice/inbox", `{"type":"Follow"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	if len(f.inbox.received) != 1 || f.inbox.received[0] != "alice" {
		t.Errorf("Inbound pipeline not invoked: %v", f.inbox.received)
	}
	if len(f.inbox.dispatched) != 1 || f.inbox.dispatched[0] != store.InboxKey("alice", "digest") {
		t.Errorf("Dispatch not invoked: %v", f.inbox.dispatched)
	}
}

func TestRouterInboxPostUnauthorized(t *testing.T) {
	f := newServerFixture("alice")
	f.inbox.receiveErr = activitypub.ErrUnauthorized

	w := f.do(t, http.MethodPost, "/users/alice/inbox", `{"type":"Follow"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
	if len(f.inbox.dispatched) != 0 {
		t.Errorf("Rejected delivery must not dispatch: %v", f.inbox.dispatched)
	}
}

func TestRouterSharedInbox(t *testing.T) {
	f := newServerFixture("alice")

	body := `{"type":"Follow","object":"` + ids.ActorURI(testDomain, "alice") + `"}`
	w := f.do(t, http.MethodPost, "/inbox", body, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	if len(f.inbox.received) != 1 || f.inbox.received[0] != "alice" {
		t.Errorf("Delivery not routed to addressee: %v", f.inbox.received)
	}

	// addressed via to array
	f = newServerFixture("alice")
	body = `{"type":"Create","to":["https://www.w3.org/ns/activitystreams#Public","` + ids.ActorURI(testDomain, "alice") + `"]}`
	if w := f.do(t, http.MethodPost, "/inbox", body, nil); w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	if len(f.inbox.received) != 1 || f.inbox.received[0] != "alice" {
		t.Errorf("Delivery not routed to addressee: %v", f.inbox.received)
	}

	// no local addressee: accepted and dropped
	f = newServerFixture("alice")
	body = `{"type":"Create","to":["https://elsewhere.example/users/bob"]}`
	if w := f.do(t, http.MethodPost, "/inbox", body, nil); w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", w.Code)
	}
	if len(f.inbox.received) != 0 {
		t.Errorf("Unaddressed delivery must not reach the pipeline: %v", f.inbox.received)
	}
}

func TestRouterOutboxPostAuth(t *testing.T) {
	f := newServerFixture("alice")
	f.params.params[store.OutboxTokenParameter("alice")] = "sekrit"

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusForbidden},
		{"good token", "Bearer sekrit", http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.header != "" {
				header.Set("Authorization", tt.header)
			}
			w := f.do(t, http.MethodPost, "/users/alice/outbox", `{"type":"Note","content":"hi"}`, header)
			if w.Code != tt.status {
				t.Errorf("Expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}

	staged := 0
	for key := range f.blobs.docs {
		if strings.HasPrefix(key, "staging/users/alice/") {
			staged++
		}
	}
	if staged != 1 {
		t.Errorf("Expected one staged object, found %d", staged)
	}
}

func TestRouterOutboxPostValidation(t *testing.T) {
	f := newServerFixture("alice")
	f.params.params[store.OutboxTokenParameter("alice")] = "sekrit"
	header := http.Header{}
	header.Set("Authorization", "Bearer sekrit")

	if w := f.do(t, http.MethodPost, "/users/alice/outbox", "not json", header); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-JSON body, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/users/alice/outbox", `{"content":"typeless"}`, header); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing type, got %d", w.Code)
	}
}

func TestRouterNodeInfo(t *testing.T) {
	f := newServerFixture("alice", "bob")

	w := f.do(t, http.MethodGet, "/.well-known/nodeinfo", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	doc := decodeJSON(t, w)
	links, ok := doc["links"].([]any)
	if !ok || len(links) != 1 {
		t.Fatalf("Unexpected links: %v", doc["links"])
	}

	w = f.do(t, http.MethodGet, "/nodeinfo/2.0", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	doc = decodeJSON(t, w)
	usage := doc["usage"].(map[string]any)
	users := usage["users"].(map[string]any)
	if users["total"] != float64(2) {
		t.Errorf("Expected 2 accounts, got %v", users["total"])
	}
}
