package web

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/anancus/ids"
	"github.com/deemkeen/anancus/store"
	"github.com/gorilla/feeds"
)

// BuildRSS renders the user's public posts as an RSS feed, newest first.
func (s *Server) BuildRSS(ctx context.Context, username string) (string, error) {
	user, err := s.Users.FindUserByUsername(ctx, username)
	if err != nil {
		return "", err
	}

	description := user.Summary
	if description == "" {
		description = fmt.Sprintf("Public posts of %s@%s", username, s.domain())
	}
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s on %s", username, s.domain()),
		Link:        &feeds.Link{Href: ids.ActorURI(s.domain(), username)},
		Description: description,
		Author:      &feeds.Author{Name: username},
		Created:     time.Now(),
	}

	pageSize := s.Conf.Conf.PageSize.Outbox
	metas, err := s.Objects.EnumerateUserActivities(ctx, user, pageSize, pageSize, "", "", "", "")
	if err != nil {
		return "", err
	}

	for _, meta := range metas {
		if meta.Type != "Create" {
			continue
		}
		doc, err := s.Blobs.LoadJSON(ctx, store.OutboxKey(username, meta.UniquePart))
		if err != nil {
			log.Printf("Web: missing outbox blob for %s: %v", meta.ID, err)
			continue
		}
		note, ok := doc["object"].(map[string]any)
		if !ok {
			continue
		}
		noteID, _ := note["id"].(string)
		content, _ := note["content"].(string)
		feed.Items = append(feed.Items, &feeds.Item{
			Id:      noteID,
			Title:   meta.Published.UTC().Format(ids.PublishedLayout),
			Link:    &feeds.Link{Href: noteID},
			Content: content,
			Author:  &feeds.Author{Name: username},
			Created: meta.Published,
		})
	}
	return feed.ToRss()
}
