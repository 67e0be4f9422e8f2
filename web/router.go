package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/deemkeen/anancus/activitypub"
	"github.com/deemkeen/anancus/db"
	"github.com/deemkeen/anancus/ids"
	"github.com/deemkeen/anancus/store"
	"github.com/deemkeen/anancus/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const maxRequestBody = 1 * 1024 * 1024

// Router builds the gin engine serving the federation surface.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = util.GetLogWriter()
	gin.DefaultErrorWriter = util.GetLogWriter()

	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter limit and a body cap on the write endpoints
	apLimit := RateLimitMiddleware(NewRateLimiter(rate.Limit(5), 10))
	maxBody := MaxBytesMiddleware(maxRequestBody)

	g.GET("/.well-known/webfinger", s.handleWebFinger)
	g.GET("/.well-known/nodeinfo", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.BuildWellKnownNodeInfo())
	})
	g.GET("/nodeinfo/2.0", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.BuildNodeInfo20(c.Request.Context()))
	})

	g.GET("/users/:username", s.handleActor)
	g.GET("/users/:username/outbox", s.handleOutboxGet)
	g.GET("/users/:username/followers", s.handleFollowers)
	g.GET("/users/:username/following", s.handleFollowing)
	g.GET("/users/:username/posts/:unique", s.handlePost)
	g.GET("/users/:username/posts/:unique/replies", s.handleReplies)

	g.POST("/inbox", apLimit, maxBody, s.handleSharedInbox)
	g.POST("/users/:username/inbox", apLimit, maxBody, func(c *gin.Context) {
		s.receiveInbound(c, c.Param("username"))
	})
	g.POST("/users/:username/outbox", apLimit, maxBody, s.handleOutboxPost)

	g.GET("/feed/:username", s.handleFeed)

	return g
}

// renderActivity writes an AS document with the activity media type.
func renderActivity(c *gin.Context, doc any) {
	body, err := json.Marshal(doc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode document"})
		return
	}
	c.Data(http.StatusOK, activitypub.ContentTypeActivity+"; charset=utf-8", body)
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, ErrBadPageQuery), errors.Is(err, ErrBadResource):
		return http.StatusBadRequest
	case errors.Is(err, activitypub.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnexpectedDomain),
		errors.Is(err, db.ErrNotFound),
		errors.Is(err, store.ErrNoSuchKey),
		errors.Is(err, store.ErrParameterNotFound):
		return http.StatusNotFound
	case errors.Is(err, activitypub.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFromError(err)
	if status == http.StatusInternalServerError {
		log.Printf("Web: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": http.StatusText(status)})
}

func (s *Server) handleWebFinger(c *gin.Context) {
	resp, err := s.ResolveWebFinger(c.Request.Context(), c.Query("resource"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleActor(c *gin.Context) {
	user, err := s.Users.FindUserByUsername(c.Request.Context(), c.Param("username"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	renderActivity(c, s.BuildActorDoc(user))
}

func (s *Server) pageQueryOf(c *gin.Context) (pageQuery, bool) {
	q, err := parsePageQuery(c.Query("page"), c.Query("after"), c.Query("before"))
	if err != nil {
		abortWithError(c, err)
		return pageQuery{}, false
	}
	return q, true
}

func (s *Server) handleOutboxGet(c *gin.Context) {
	q, ok := s.pageQueryOf(c)
	if !ok {
		return
	}
	doc, err := s.OutboxView(c.Request.Context(), c.Param("username"), q)
	if err != nil {
		abortWithError(c, err)
		return
	}
	renderActivity(c, doc)
}

func (s *Server) handleFollowers(c *gin.Context) {
	q, ok := s.pageQueryOf(c)
	if !ok {
		return
	}
	doc, err := s.FollowersView(c.Request.Context(), c.Param("username"), q)
	if err != nil {
		abortWithError(c, err)
		return
	}
	renderActivity(c, doc)
}

func (s *Server) handleFollowing(c *gin.Context) {
	q, ok := s.pageQueryOf(c)
	if !ok {
		return
	}
	doc, err := s.FollowingView(c.Request.Context(), c.Param("username"), q)
	if err != nil {
		abortWithError(c, err)
		return
	}
	renderActivity(c, doc)
}

func (s *Server) handlePost(c *gin.Context) {
	doc, err := s.BuildPostDoc(c.Request.Context(), c.Param("username"), c.Param("unique"))
	if err != nil {
		// withheld posts look absent
		if statusFromError(err) == http.StatusInternalServerError {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
			return
		}
		abortWithError(c, err)
		return
	}
	renderActivity(c, doc)
}

func (s *Server) handleReplies(c *gin.Context) {
	q, ok := s.pageQueryOf(c)
	if !ok {
		return
	}
	doc, err := s.RepliesView(c.Request.Context(), c.Param("username"), c.Param("unique"), q)
	if err != nil {
		abortWithError(c, err)
		return
	}
	renderActivity(c, doc)
}

// receiveInbound runs the inbound pipeline and dispatches the persisted
// activity. Dispatch failures are logged; the delivery itself was accepted.
func (s *Server) receiveInbound(c *gin.Context, username string) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	ctx := c.Request.Context()
	blobKey, err := s.Inbox.Receive(ctx, username, c.Request, body)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if blobKey != "" {
		if err := s.Inbox.Dispatch(ctx, username, blobKey); err != nil {
			log.Printf("Web: dispatch of %s failed: %v", blobKey, err)
		}
	}
	c.Status(http.StatusAccepted)
}

// handleSharedInbox routes a delivery without a per-user path to the local
// addressee found in the activity.
func (s *Server) handleSharedInbox(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	var activity map[string]any
	if err := json.Unmarshal(body, &activity); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body is not JSON"})
		return
	}

	username := s.localAddressee(activity)
	if username == "" {
		log.Printf("Web: shared inbox found no local addressee in %v activity", activity["type"])
		c.Status(http.StatusAccepted)
		return
	}

	c.Request.Body = io.NopCloser(strings.NewReader(string(body)))
	s.receiveInbound(c, username)
}

// localAddressee scans to, cc, and object for a URI owned by this instance
// and returns its username.
func (s *Server) localAddressee(activity map[string]any) string {
	var candidates []string
	for _, field := range []string{"to", "cc"} {
		switch v := activity[field].(type) {
		case string:
			candidates = append(candidates, v)
		case []any:
			for _, entry := range v {
				if uri, ok := entry.(string); ok {
					candidates = append(candidates, uri)
				}
			}
		}
	}
	if uri, ok := activity["object"].(string); ok {
		candidates = append(candidates, uri)
	}

	for _, uri := range candidates {
		domain, username, _, err := ids.ParseUserID(uri)
		if err == nil && domain == s.domain() {
			return username
		}
	}
	return ""
}

func (s *Server) handleOutboxPost(c *gin.Context) {
	username := c.Param("username")
	ctx := c.Request.Context()

	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bearer token required"})
		return
	}
	expected, err := s.Params.GetParameter(ctx, store.OutboxTokenParameter(username), true)
	if err != nil || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	var staged map[string]any
	if err := json.Unmarshal(body, &staged); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body is not JSON"})
		return
	}
	if _, ok := staged["type"].(string); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "object has no type"})
		return
	}

	key := store.StagingKey(username, ids.NewUniquePart())
	if err := s.Blobs.SaveJSON(ctx, key, staged); err != nil {
		abortWithError(c, err)
		return
	}
	log.Printf("Web: staged %s object for %s", staged["type"], username)
	c.JSON(http.StatusAccepted, gin.H{"status": "staged"})
}

func (s *Server) handleFeed(c *gin.Context) {
	rss, err := s.BuildRSS(c.Request.Context(), c.Param("username"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(rss))
}
