package web

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/ids"
	"github.com/deemkeen/anancus/store"
)

// ErrBadPageQuery marks pagination parameters a handler cannot honor.
var ErrBadPageQuery = errors.New("bad page query")

// pageQuery carries the parsed pagination parameters of one request. At most
// one of after and before may be set.
type pageQuery struct {
	page   bool
	after  string
	before string
}

func parsePageQuery(page, after, before string) (pageQuery, error) {
	if after != "" && before != "" {
		return pageQuery{}, fmt.Errorf("%w: after and before are mutually exclusive", ErrBadPageQuery)
	}
	return pageQuery{page: page != "", after: after, before: before}, nil
}

// collectionRoot assembles the OrderedCollection document pointing at its
// first page.
func collectionRoot(collectionURI string, totalItems int) map[string]any {
	return map[string]any{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         collectionURI,
		"type":       "OrderedCollection",
		"totalItems": totalItems,
		"first":      collectionURI + "?page=true",
	}
}

func pageURI(collectionURI string, q pageQuery) string {
	uri := collectionURI + "?page=true"
	if q.after != "" {
		uri += "&after=" + ids.Encode(q.after)
	}
	if q.before != "" {
		uri += "&before=" + ids.Encode(q.before)
	}
	return uri
}

func newPage(collectionURI string, q pageQuery, orderedItems []any, totalItems int) map[string]any {
	if orderedItems == nil {
		orderedItems = []any{}
	}
	return map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           pageURI(collectionURI, q),
		"type":         "OrderedCollectionPage",
		"partOf":       collectionURI,
		"orderedItems": orderedItems,
		"totalItems":   totalItems,
	}
}

// FollowersView answers the followers collection or one of its pages.
func (s *Server) FollowersView(ctx context.Context, username string, q pageQuery) (map[string]any, error) {
	return s.edgeView(ctx, username, q, ids.FollowersURI(s.domain(), username), s.Users.EnumerateFollowers, s.Conf.Conf.PageSize.Followers, func(u *domain.User) int {
		return int(u.FollowerCount)
	})
}

// FollowingView answers the following collection or one of its pages.
func (s *Server) FollowingView(ctx context.Context, username string, q pageQuery) (map[string]any, error) {
	return s.edgeView(ctx, username, q, ids.FollowingURI(s.domain(), username), s.Users.EnumerateFollowing, s.Conf.Conf.PageSize.Following, func(u *domain.User) int {
		return int(u.FollowingCount)
	})
}

type edgeEnumerator func(ctx context.Context, username string, perQuery, limit int, after, before string) ([]string, error)

// edgeView pages follower or followee edges in ascending sort-key order. The
// edge's actor URI doubles as its cursor.
func (s *Server) edgeView(ctx context.Context, username string, q pageQuery, collectionURI string, enumerate edgeEnumerator, pageSize int, total func(*domain.User) int) (map[string]any, error) {
	user, err := s.Users.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if !q.page {
		return collectionRoot(collectionURI, total(user)), nil
	}

	edges, err := enumerate(ctx, username, pageSize, pageSize, q.after, q.before)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPageQuery, err)
	}

	items := make([]any, 0, len(edges))
	for _, edge := range edges {
		items = append(items, edge)
	}
	page := newPage(collectionURI, q, items, total(user))

	if len(edges) == pageSize {
		page["next"] = collectionURI + "?page=true&after=" + ids.Encode(edges[len(edges)-1])
	}
	switch {
	case q.after == "" && q.before == "":
		// first page, no prev
	case len(edges) > 0:
		page["prev"] = collectionURI + "?page=true&before=" + ids.Encode(edges[0])
	case q.before != "":
		page["prev"] = collectionURI + "?page=true&after=" + ids.Encode(ids.OldestCursor)
	}
	return page, nil
}

// OutboxView answers the outbox collection or one of its pages. Pages are
// newest-first; next walks toward older activities via before cursors, prev
// toward newer ones via after cursors.
func (s *Server) OutboxView(ctx context.Context, username string, q pageQuery) (map[string]any, error) {
	user, err := s.Users.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	collectionURI := ids.OutboxURI(s.domain(), username)
	total, err := s.Objects.CountUserActivities(ctx, username)
	if err != nil {
		return nil, err
	}
	if !q.page {
		return collectionRoot(collectionURI, total), nil
	}

	pageSize := s.Conf.Conf.PageSize.Outbox
	var afterPK, afterSK, beforePK, beforeSK string
	switch {
	case q.after == ids.OldestCursor:
		// scan forward from the user's very first month
		afterPK = ids.ActivityPK(username, user.CreatedAt)
	case q.after != "":
		afterPK, afterSK, err = ids.DeserializeActivityCursor(q.after, username)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPageQuery, err)
		}
	case q.before != "" && q.before != ids.NewestSentinel:
		beforePK, beforeSK, err = ids.DeserializeActivityCursor(q.before, username)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPageQuery, err)
		}
	}

	metas, err := s.Objects.EnumerateUserActivities(ctx, user, pageSize, pageSize, afterPK, afterSK, beforePK, beforeSK)
	if err != nil {
		return nil, err
	}
	if afterPK != "" {
		// forward scans come back chronological
		for i, j := 0, len(metas)-1; i < j; i, j = i+1, j-1 {
			metas[i], metas[j] = metas[j], metas[i]
		}
	}

	items := make([]any, 0, len(metas))
	for _, meta := range metas {
		doc, err := s.Blobs.LoadJSON(ctx, store.OutboxKey(username, meta.UniquePart))
		if err != nil {
			log.Printf("Web: missing outbox blob for %s: %v", meta.ID, err)
			items = append(items, meta.ID)
			continue
		}
		items = append(items, doc)
	}

	page := newPage(collectionURI, q, items, total)
	if len(metas) == pageSize {
		cursor, err := activityCursor(username, &metas[len(metas)-1])
		if err != nil {
			return nil, err
		}
		page["next"] = collectionURI + "?page=true&before=" + ids.Encode(cursor)
	}
	switch {
	case q.after == "" && q.before == "":
	case len(metas) > 0:
		cursor, err := activityCursor(username, &metas[0])
		if err != nil {
			return nil, err
		}
		page["prev"] = collectionURI + "?page=true&after=" + ids.Encode(cursor)
	case q.before != "":
		page["prev"] = collectionURI + "?page=true&after=" + ids.Encode(ids.OldestCursor)
	}
	return page, nil
}

func activityCursor(username string, meta *domain.ActivityMeta) (string, error) {
	return ids.SerializeActivityCursor(
		ids.ActivityPK(username, meta.CreatedAt),
		ids.ActivitySK(meta.CreatedAt, meta.UniquePart),
	)
}

// RepliesView answers a post's replies collection or one of its pages,
// newest-first, with the same next/prev rules as the outbox.
func (s *Server) RepliesView(ctx context.Context, username, uniquePart string, q pageQuery) (map[string]any, error) {
	meta, err := s.Objects.FindUserPost(ctx, username, uniquePart)
	if err != nil {
		return nil, err
	}
	collectionURI := ids.RepliesURI(s.domain(), username, uniquePart)
	total := int(meta.ReplyCount)
	if !q.page {
		return collectionRoot(collectionURI, total), nil
	}

	pageSize := s.Conf.Conf.PageSize.Replies
	var after, before string
	if q.after != "" {
		after, err = ids.DeserializeReplyCursor(q.after)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPageQuery, err)
		}
	}
	if q.before != "" && q.before != ids.NewestSentinel {
		before, err = ids.DeserializeReplyCursor(q.before)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPageQuery, err)
		}
	}

	edges, err := s.Objects.EnumerateReplies(ctx, username, uniquePart, pageSize, pageSize, after, before)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(edges))
	for _, edge := range edges {
		items = append(items, edge.ID)
	}
	page := newPage(collectionURI, q, items, total)

	if len(edges) == pageSize {
		cursor, err := replyCursor(&edges[len(edges)-1])
		if err != nil {
			return nil, err
		}
		page["next"] = collectionURI + "?page=true&before=" + ids.Encode(cursor)
	}
	switch {
	case q.after == "" && q.before == "":
	case len(edges) > 0:
		cursor, err := replyCursor(&edges[0])
		if err != nil {
			return nil, err
		}
		page["prev"] = collectionURI + "?page=true&after=" + ids.Encode(cursor)
	case q.before != "":
		page["prev"] = collectionURI + "?page=true&after=" + ids.Encode(ids.OldestCursor)
	}
	return page, nil
}

func replyCursor(edge *domain.ReplyEdge) (string, error) {
	return ids.SerializeReplyCursor(ids.ReplySK(edge.Published, edge.ID))
}
