package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/feeds"

	"breachscope/internal/model"
)

var alertFeedTypes = []model.AlertType{model.AlertConfirmedBreach, model.AlertIncident}

func (s *Server) handleAlertsRSS(w http.ResponseWriter, r *http.Request) {
	articles, err := s.db.ListAlerts(r.Context(), alertFeedTypes, s.config.AlertLimit)
	if err != nil {
		s.logger.Printf("Error listing alerts: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	rss, err := s.alertsFeed(articles, time.Now())
	if err != nil {
		s.logger.Printf("Error generating alerts feed: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	fmt.Fprint(w, rss)
}

// alertsFeed renders articles as RSS 2.0, newest first as listed
func (s *Server) alertsFeed(articles []model.Article, now time.Time) (string, error) {
	feed := &feeds.Feed{
		Title:       s.config.FeedTitle,
		Link:        &feeds.Link{Href: s.config.FeedLink},
		Description: s.config.FeedDescription,
		Created:     now,
	}

	feed.Items = make([]*feeds.Item, 0, len(articles))
	for _, a := range articles {
		title := strings.TrimSpace(a.Title)
		if title == "" {
			title = a.Link
		}
		item := &feeds.Item{
			Title:       fmt.Sprintf("[%s] %s", a.Severity, title),
			Link:        &feeds.Link{Href: a.Link},
			Id:          a.Link,
			Description: ProcessBodyText(a.Description, 500),
			Created:     a.PublishedAt,
		}
		feed.Items = append(feed.Items, item)
	}

	rss, err := feed.ToRss()
	if err != nil {
		return "", fmt.Errorf("failed to generate RSS: %w", err)
	}
	return rss, nil
}
