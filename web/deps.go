package web

import (
	"context"
	"net/http"
	"time"

	"github.com/deemkeen/anancus/domain"
	"github.com/deemkeen/anancus/util"
)

// UserDirectory is the slice of the user index the read views consult.
type UserDirectory interface {
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
	EnumerateFollowers(ctx context.Context, username string, perQuery, limit int, after, before string) ([]string, error)
	EnumerateFollowing(ctx context.Context, username string, perQuery, limit int, after, before string) ([]string, error)
	CountAccounts(ctx context.Context) (int, error)
	CountActiveSince(ctx context.Context, since time.Time) (int, error)
}

// ObjectDirectory is the slice of the object index the read views consult.
type ObjectDirectory interface {
	FindUserPost(ctx context.Context, username, uniquePart string) (*domain.PostMeta, error)
	EnumerateUserActivities(ctx context.Context, user *domain.User, perQuery, limit int, afterPK, afterSK, beforePK, beforeSK string) ([]domain.ActivityMeta, error)
	EnumerateReplies(ctx context.Context, username, uniquePart string, perQuery, limit int, after, before string) ([]domain.ReplyEdge, error)
	CountUserActivities(ctx context.Context, username string) (int, error)
	CountLocalPosts(ctx context.Context) (int, error)
}

// BlobReader loads and stages JSON documents in the blob store.
type BlobReader interface {
	LoadJSON(ctx context.Context, key string) (map[string]any, error)
	SaveJSON(ctx context.Context, key string, doc map[string]any) error
}

// ParameterStore resolves secret references, bearer tokens included.
type ParameterStore interface {
	GetParameter(ctx context.Context, path string, withDecryption bool) (string, error)
}

// InboxService accepts and dispatches inbound activities.
type InboxService interface {
	Receive(ctx context.Context, username string, r *http.Request, body []byte) (string, error)
	Dispatch(ctx context.Context, username, blobKey string) error
}

// Server carries the dependencies of every HTTP handler.
type Server struct {
	Conf    *util.AppConfig
	Users   UserDirectory
	Objects ObjectDirectory
	Blobs   BlobReader
	Params  ParameterStore
	Inbox   InboxService
}

func (s *Server) domain() string {
	return s.Conf.Conf.SslDomain
}
