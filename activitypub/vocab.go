package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
)

// ASContext is the JSON-LD context every emitted activity carries.
const ASContext = "https://www.w3.org/ns/activitystreams"

// PublicAddress is the reserved AS URI signifying "anyone".
const PublicAddress = "https://www.w3.org/ns/activitystreams#Public"

// ContentTypeActivity is the AS media type used on requests and responses.
const ContentTypeActivity = "application/activity+json"

var actorTypes = map[string]bool{
	"Person":       true,
	"Service":      true,
	"Application":  true,
	"Group":        true,
	"Organization": true,
}

var collectionTypes = map[string]bool{
	"Collection":            true,
	"OrderedCollection":     true,
	"CollectionPage":        true,
	"OrderedCollectionPage": true,
}

// Object is a validated view over an Activity Streams JSON document.
type Object struct {
	doc map[string]any
}

// NewObject wraps doc, validating the fields every consumer relies on:
// a non-empty string type, and string id/content/attributedTo when present.
func NewObject(doc map[string]any) (*Object, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil document")
	}
	t, ok := doc["type"].(string)
	if !ok || t == "" {
		return nil, fmt.Errorf("document has no type")
	}
	for _, field := range []string{"id", "content", "attributedTo"} {
		if v, present := doc[field]; present {
			if _, ok := v.(string); !ok {
				return nil, fmt.Errorf("%s must be a string, got %T", field, v)
			}
		}
	}
	if v, present := doc["inReplyTo"]; present && v != nil {
		if _, err := NewReference(v); err != nil {
			return nil, fmt.Errorf("invalid inReplyTo: %w", err)
		}
	}
	return &Object{doc: doc}, nil
}

func (o *Object) str(field string) string {
	s, _ := o.doc[field].(string)
	return s
}

func (o *Object) ID() string        { return o.str("id") }
func (o *Object) Type() string      { return o.str("type") }
func (o *Object) Published() string { return o.str("published") }

func (o *Object) To() []string  { return audienceList(o.doc["to"]) }
func (o *Object) CC() []string  { return audienceList(o.doc["cc"]) }
func (o *Object) BCC() []string { return audienceList(o.doc["bcc"]) }

// ToDict exposes the underlying JSON document.
func (o *Object) ToDict() map[string]any { return o.doc }

// IsPublic reports whether the Public address appears in to or cc.
func (o *Object) IsPublic() bool {
	for _, addr := range o.To() {
		if addr == PublicAddress {
			return true
		}
	}
	for _, addr := range o.CC() {
		if addr == PublicAddress {
			return true
		}
	}
	return false
}

// InReplyTo returns the reply target reference, or nil when the object is
// not a reply.
func (o *Object) InReplyTo() *Reference {
	v, present := o.doc["inReplyTo"]
	if !present || v == nil {
		return nil
	}
	ref, err := NewReference(v)
	if err != nil {
		return nil
	}
	return ref
}

func audienceList(v any) []string {
	switch addr := v.(type) {
	case string:
		return []string{addr}
	case []any:
		var out []string
		for _, item := range addr {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Actor is a refinement of Object for Person and related actor types.
type Actor struct {
	*Object
}

// AsActor refines o into an Actor, failing on non-actor types.
func (o *Object) AsActor() (*Actor, error) {
	if !actorTypes[o.Type()] {
		return nil, fmt.Errorf("object %s is %s, not an actor", o.ID(), o.Type())
	}
	return &Actor{Object: o}, nil
}

func (a *Actor) PreferredUsername() string { return a.str("preferredUsername") }
func (a *Actor) Inbox() string             { return a.str("inbox") }

// SharedInbox returns endpoints.sharedInbox, or "" when the actor has none.
func (a *Actor) SharedInbox() string {
	endpoints, ok := a.doc["endpoints"].(map[string]any)
	if !ok {
		return ""
	}
	shared, _ := endpoints["sharedInbox"].(string)
	return shared
}

// PreferredInbox returns the shared inbox when present, else the personal one.
func (a *Actor) PreferredInbox() string {
	if shared := a.SharedInbox(); shared != "" {
		return shared
	}
	return a.Inbox()
}

func (a *Actor) publicKeyField(field string) string {
	pk, ok := a.doc["publicKey"].(map[string]any)
	if !ok {
		return ""
	}
	v, _ := pk[field].(string)
	return v
}

func (a *Actor) PublicKeyID() string  { return a.publicKeyField("id") }
func (a *Actor) PublicKeyPem() string { return a.publicKeyField("publicKeyPem") }

// Note is a refinement of Object for Note documents.
type Note struct {
	*Object
}

// AsNote refines o into a Note.
func (o *Object) AsNote() (*Note, error) {
	if o.Type() != "Note" {
		return nil, fmt.Errorf("object %s is %s, not a Note", o.ID(), o.Type())
	}
	return &Note{Object: o}, nil
}

func (n *Note) Content() string      { return n.str("content") }
func (n *Note) AttributedTo() string { return n.str("attributedTo") }

// Link is a refinement of Object for Link documents.
type Link struct {
	*Object
}

func (o *Object) AsLink() (*Link, error) {
	if o.Type() != "Link" {
		return nil, fmt.Errorf("object %s is %s, not a Link", o.ID(), o.Type())
	}
	return &Link{Object: o}, nil
}

func (l *Link) Href() string { return l.str("href") }

// Reference is a URI, a Link, or an inline object; it exposes a uniform id
// accessor and can resolve to a full Object.
type Reference struct {
	raw any
}

// NewReference validates that raw is a URI string or a JSON object.
func NewReference(raw any) (*Reference, error) {
	switch raw.(type) {
	case string, map[string]any:
		return &Reference{raw: raw}, nil
	}
	return nil, fmt.Errorf("reference must be a URI or an object, got %T", raw)
}

// ID returns the referenced id: the URI itself, a Link's href, or the inline
// object's id.
func (r *Reference) ID() string {
	switch v := r.raw.(type) {
	case string:
		return v
	case map[string]any:
		if t, _ := v["type"].(string); t == "Link" {
			href, _ := v["href"].(string)
			return href
		}
		id, _ := v["id"].(string)
		return id
	}
	return ""
}

// Resolve returns the referenced Object, wrapping an inline value or
// fetching the URI. Fetched objects are cached in store by id.
func (r *Reference) Resolve(ctx context.Context, client HTTPClient, store *ObjectStore) (*Object, error) {
	if inline, ok := r.raw.(map[string]any); ok {
		if t, _ := inline["type"].(string); t != "Link" {
			obj, err := NewObject(inline)
			if err != nil {
				return nil, err
			}
			if store != nil {
				store.Put(obj)
			}
			return obj, nil
		}
	}

	uri := r.ID()
	if uri == "" {
		return nil, fmt.Errorf("reference has no id")
	}
	if store != nil {
		if obj, ok := store.Get(uri); ok {
			return obj, nil
		}
	}

	doc, err := FetchObject(ctx, client, uri)
	if err != nil {
		return nil, err
	}
	obj, err := NewObject(doc)
	if err != nil {
		return nil, err
	}
	if store != nil {
		store.Put(obj)
	}
	return obj, nil
}

// ObjectStore is an id-keyed in-memory map used during recipient expansion
// and activity walks to deduplicate fetches. It is scoped to one invocation.
type ObjectStore struct {
	objects map[string]*Object
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: map[string]*Object{}}
}

func (s *ObjectStore) Get(id string) (*Object, bool) {
	obj, ok := s.objects[id]
	return obj, ok
}

func (s *ObjectStore) Put(obj *Object) {
	if id := obj.ID(); id != "" {
		s.objects[id] = obj
	}
}

// ActivityKind enumerates the activity types this server dispatches on.
type ActivityKind string

const (
	KindAnnounce ActivityKind = "Announce"
	KindCreate   ActivityKind = "Create"
	KindFollow   ActivityKind = "Follow"
	KindLike     ActivityKind = "Like"
	KindUndo     ActivityKind = "Undo"
	KindAccept   ActivityKind = "Accept"
	KindReject   ActivityKind = "Reject"
	KindDelete   ActivityKind = "Delete"
)

var activityKinds = map[string]ActivityKind{
	"Announce": KindAnnounce,
	"Create":   KindCreate,
	"Follow":   KindFollow,
	"Like":     KindLike,
	"Undo":     KindUndo,
	"Accept":   KindAccept,
	"Reject":   KindReject,
	"Delete":   KindDelete,
}

// Activity is the tagged-sum view of an activity document. Dispatchers
// switch exhaustively on Kind.
type Activity struct {
	*Object
	Kind      ActivityKind
	Actor     *Reference
	ObjectRef *Reference
}

// ParseActivity validates doc as one of the dispatched activity kinds.
// Unknown types fail with ErrUnsupported so callers can log and ignore.
func ParseActivity(doc map[string]any) (*Activity, error) {
	obj, err := NewObject(doc)
	if err != nil {
		return nil, err
	}

	kind, known := activityKinds[obj.Type()]
	if !known {
		return nil, fmt.Errorf("%w: activity type %q", ErrUnsupported, obj.Type())
	}

	actorRaw, present := doc["actor"]
	if !present {
		return nil, fmt.Errorf("%s activity has no actor", kind)
	}
	actor, err := NewReference(actorRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid actor: %w", err)
	}

	objectRaw, present := doc["object"]
	if !present {
		return nil, fmt.Errorf("%s activity has no object", kind)
	}
	object, err := NewReference(objectRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid object: %w", err)
	}

	return &Activity{Object: obj, Kind: kind, Actor: actor, ObjectRef: object}, nil
}

// cloneDoc deep-copies a JSON document. Embedded activity objects are
// carried by value, never by pointer into the source document.
func cloneDoc(doc map[string]any) map[string]any {
	raw, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return doc
	}
	return out
}
