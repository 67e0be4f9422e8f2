package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/ids"
)

// ErrDuplicate is returned when an activity or post is put twice.
var ErrDuplicate = errors.New("duplicate item")

// ObjectTable persists activity history, post metadata, and reply edges on
// the wide table:
//
//	pk activity:{u}:{YYYY-MM}      sk {DDTHH:MM:SS.ffffff}:{uniquePart}  activity record
//	pk object:{u}:post:{unique}    sk metadata                           post record
//	pk object:{u}:post:{unique}    sk reply:{publishedZ}:{replyId}       reply edge
type ObjectTable struct {
	kv *DB
}

func NewObjectTable(kv *DB) *ObjectTable {
	return &ObjectTable{kv: kv}
}

const postMetadataSK = "metadata"

func postPK(username, uniquePart string) string {
	return fmt.Sprintf("object:%s:post:%s", username, uniquePart)
}

// PutActivity records one activity in its monthly partition; putting the
// same activity twice fails with ErrDuplicate.
func (t *ObjectTable) PutActivity(ctx context.Context, meta *domain.ActivityMeta) error {
	item := &Item{
		PK: ids.ActivityPK(meta.Username, meta.CreatedAt),
		SK: ids.ActivitySK(meta.CreatedAt, meta.UniquePart),
		Attrs: map[string]any{
			"id":        meta.ID,
			"type":      meta.Type,
			"published": meta.Published.UTC().Format(ids.PublishedLayout),
			"isPublic":  meta.IsPublic,
		},
	}
	err := t.kv.PutItem(ctx, item, CondNotExists)
	if errors.Is(err, ErrConditionFailed) {
		return fmt.Errorf("%w: activity %s", ErrDuplicate, meta.ID)
	}
	return err
}

// PutPost records post metadata; ErrDuplicate on an existing post.
func (t *ObjectTable) PutPost(ctx context.Context, meta *domain.PostMeta) error {
	item := &Item{
		PK: postPK(meta.Username, meta.UniquePart),
		SK: postMetadataSK,
		Attrs: map[string]any{
			"id":         meta.ID,
			"type":       meta.Type,
			"published":  meta.Published.UTC().Format(ids.PublishedLayout),
			"isPublic":   meta.IsPublic,
			"replyCount": meta.ReplyCount,
		},
	}
	err := t.kv.PutItem(ctx, item, CondNotExists)
	if errors.Is(err, ErrConditionFailed) {
		return fmt.Errorf("%w: post %s", ErrDuplicate, meta.ID)
	}
	return err
}

// FindUserPost looks up post metadata; ErrNotFound when absent.
func (t *ObjectTable) FindUserPost(ctx context.Context, username, uniquePart string) (*domain.PostMeta, error) {
	item, err := t.kv.GetItem(ctx, postPK(username, uniquePart), postMetadataSK)
	if err != nil {
		return nil, err
	}
	return &domain.PostMeta{
		Username:   username,
		ID:         attrString(item.Attrs, "id"),
		Type:       attrString(item.Attrs, "type"),
		Published:  attrPublished(item.Attrs, "published"),
		UniquePart: uniquePart,
		IsPublic:   attrBool(item.Attrs, "isPublic"),
		ReplyCount: attrInt(item.Attrs, "replyCount"),
	}, nil
}

// AddReplyToPost conditionally inserts a reply edge under the parent post's
// partition; ErrDuplicate on clash. The reply counter is maintained by the
// statistics worker.
func (t *ObjectTable) AddReplyToPost(ctx context.Context, username, uniquePart string, reply *domain.ReplyEdge) error {
	item := &Item{
		PK: postPK(username, uniquePart),
		SK: ids.ReplySK(reply.Published, reply.ID),
		Attrs: map[string]any{
			"id":        reply.ID,
			"published": reply.Published.UTC().Format(ids.PublishedLayout),
		},
	}
	err := t.kv.PutItem(ctx, item, CondNotExists)
	if errors.Is(err, ErrConditionFailed) {
		return fmt.Errorf("%w: reply %s", ErrDuplicate, reply.ID)
	}
	return err
}

// CountUserActivities returns the number of public activity records of one
// user, for collection totals.
func (t *ObjectTable) CountUserActivities(ctx context.Context, username string) (int, error) {
	var n int
	err := t.kv.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE pk LIKE ? AND json_extract(attrs, '$.isPublic') = 1`,
		"activity:"+username+":%").Scan(&n)
	return n, err
}

// CountLocalPosts returns the number of post records, for nodeinfo.
func (t *ObjectTable) CountLocalPosts(ctx context.Context) (int, error) {
	var n int
	err := t.kv.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE pk LIKE 'object:%' AND sk = ?`, postMetadataSK).Scan(&n)
	return n, err
}

// EnumerateReplies returns up to limit reply edges of a post in
// reverse-chronological order. Cursors are reply sort keys (with the
// "reply:" namespace); at most one of after and before may be set.
func (t *ObjectTable) EnumerateReplies(ctx context.Context, username, uniquePart string, perQuery, limit int, after, before string) ([]domain.ReplyEdge, error) {
	if after != "" && before != "" {
		return nil, fmt.Errorf("at most one of after and before may be given")
	}

	pk := postPK(username, uniquePart)
	forward := after != ""
	start := after
	if before != "" {
		start = before
	}
	if start == "" {
		// scan backward from past the reply namespace
		start = "reply:" + ids.NewestSentinel
	}

	var out []domain.ReplyEdge
	for len(out) < limit {
		items, next, err := t.kv.Query(ctx, QueryInput{
			PK:       pk,
			SKPrefix: "reply:",
			Forward:  forward,
			Limit:    perQuery,
			StartSK:  start,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			out = append(out, domain.ReplyEdge{
				ID:        attrString(item.Attrs, "id"),
				Published: attrPublished(item.Attrs, "published"),
			})
			if len(out) == limit {
				break
			}
		}
		if next == "" || !strings.HasPrefix(next, "reply:") {
			break
		}
		start = next
	}

	if forward {
		// the caller always receives newest-first
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// EnumerateUserActivities walks the user's monthly partitions and returns
// up to limit public activity records. With after set the result is
// chronological, otherwise reverse-chronological. Cursors are (pk, sk)
// pairs from ids.DeserializeActivityCursor; the cursor applies to its own
// month only, and subsequent months are scanned from their extreme end in
// the same direction.
func (t *ObjectTable) EnumerateUserActivities(ctx context.Context, user *domain.User, perQuery, limit int, afterPK, afterSK, beforePK, beforeSK string) ([]domain.ActivityMeta, error) {
	if afterPK != "" && beforePK != "" {
		return nil, fmt.Errorf("at most one of after and before may be given")
	}

	forward := afterPK != ""

	month, err := t.startMonth(user, afterPK, beforePK)
	if err != nil {
		return nil, err
	}
	startSK := afterSK
	if beforeSK != "" {
		startSK = beforeSK
	}

	earliest := monthOf(user.CreatedAt)
	latest := monthOf(time.Now().UTC())
	if last := monthOf(user.LastActivityAt); last.After(latest) {
		latest = last
	}

	isPublic := func(item *Item) bool { return attrBool(item.Attrs, "isPublic") }

	var out []domain.ActivityMeta
	for !month.Before(earliest) && !month.After(latest) && len(out) < limit {
		pk := ids.ActivityPK(user.Username, month)
		start := startSK
		for len(out) < limit {
			items, next, err := t.kv.Query(ctx, QueryInput{
				PK:      pk,
				Forward: forward,
				Limit:   perQuery,
				StartSK: start,
				Filter:  isPublic,
			})
			if err != nil {
				return nil, err
			}
			for _, item := range items {
				meta, err := activityFromItem(user.Username, month, &item)
				if err != nil {
					return nil, err
				}
				out = append(out, *meta)
				if len(out) == limit {
					break
				}
			}
			if next == "" {
				break
			}
			start = next
		}
		// the cursor is spent once its month is exhausted
		startSK = ""
		if forward {
			month = month.AddDate(0, 1, 0)
		} else {
			month = month.AddDate(0, -1, 0)
		}
	}
	return out, nil
}

func (t *ObjectTable) startMonth(user *domain.User, afterPK, beforePK string) (time.Time, error) {
	pk := afterPK
	if beforePK != "" {
		pk = beforePK
	}
	if pk != "" {
		idx := strings.LastIndex(pk, ":")
		if idx < 0 {
			return time.Time{}, fmt.Errorf("invalid activity partition key: %q", pk)
		}
		month, err := time.Parse("2006-01", pk[idx+1:])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid activity partition key: %q", pk)
		}
		return month, nil
	}
	if user.LastActivityAt.IsZero() {
		return monthOf(time.Now().UTC()), nil
	}
	return monthOf(user.LastActivityAt), nil
}

func monthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func activityFromItem(username string, month time.Time, item *Item) (*domain.ActivityMeta, error) {
	parts := strings.SplitN(item.SK, ":", 4)
	if len(parts) != 4 {
		return nil, fmt.Errorf("corrupted activity sort key: %q", item.SK)
	}
	createdAt, err := time.Parse("2006-01-02T15:04:05.000000", month.Format("2006-01")+"-"+parts[0]+":"+parts[1]+":"+parts[2])
	if err != nil {
		return nil, fmt.Errorf("corrupted activity sort key %q: %w", item.SK, err)
	}
	return &domain.ActivityMeta{
		Username:   username,
		ID:         attrString(item.Attrs, "id"),
		Type:       attrString(item.Attrs, "type"),
		Published:  attrPublished(item.Attrs, "published"),
		CreatedAt:  createdAt,
		UniquePart: parts[3],
		IsPublic:   attrBool(item.Attrs, "isPublic"),
	}, nil
}

func attrPublished(attrs map[string]any, key string) time.Time {
	if v, ok := attrs[key].(string); ok {
		if ts, err := time.Parse(ids.PublishedLayout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
