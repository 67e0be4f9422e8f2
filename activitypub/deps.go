package activitypub

import (
	"context"
	"net/http"
	"time"

	"github.com/deemkeen/anancus/domain"
)

// UserIndex defines the user-table operations required by the ActivityPub
// package. This interface allows for dependency injection and testing with
// mock implementations.
type UserIndex interface {
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
	AddFollower(ctx context.Context, username, followerID, followActivityID string) error
	RemoveFollower(ctx context.Context, username, followerID string) error
	EnumerateFollowers(ctx context.Context, username string, perQuery, limit int, after, before string) ([]string, error)
	UpdateLastActivity(ctx context.Context, username string) error
}

// ObjectIndex defines the object-table operations required by the ActivityPub
// package.
type ObjectIndex interface {
	PutActivity(ctx context.Context, meta *domain.ActivityMeta) error
	PutPost(ctx context.Context, meta *domain.PostMeta) error
	AddReplyToPost(ctx context.Context, username, uniquePart string, reply *domain.ReplyEdge) error
}

// BlobStore defines the blob operations required by the ActivityPub package.
type BlobStore interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	PutObject(ctx context.Context, key string, body []byte, checksum string) error
	DeleteObject(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	LoadJSON(ctx context.Context, key string) (map[string]any, error)
	SaveJSON(ctx context.Context, key string, doc map[string]any) error
}

// ParameterStore holds secrets referenced by user records, such as private
// signing keys.
type ParameterStore interface {
	GetParameter(ctx context.Context, path string, withDecryption bool) (string, error)
}

// HTTPClient defines the HTTP client operations required by the ActivityPub
// package. This interface allows for dependency injection and testing with
// mock implementations.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultHTTPClient is the default HTTP client used in production
type DefaultHTTPClient struct {
	client *http.Client
}

// NewDefaultHTTPClient creates a new default HTTP client with the specified timeout
func NewDefaultHTTPClient(timeout time.Duration) *DefaultHTTPClient {
	return &DefaultHTTPClient{
		client: &http.Client{Timeout: timeout},
	}
}

// Do executes the HTTP request
func (c *DefaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}
