package feed

import (
	"breachscope/internal/model"
)

// FetchResult is the outcome of one conditional GET against a source
type FetchResult struct {
	Source       model.Source
	Title        string
	Items        []model.CandidateItem
	LastModified string
	ETag         string
	NotModified  bool
}

// IngestResult counts what happened to the candidates of one or more sources.
// Articles holds the newly accepted articles in feed order.
type IngestResult struct {
	Articles []model.Article
	Accepted int
	Filtered int
	Skipped  int
	Failed   int // sources whose fetch failed
}

func (r *IngestResult) merge(other *IngestResult) {
	if other == nil {
		return
	}
	r.Articles = append(r.Articles, other.Articles...)
	r.Accepted += other.Accepted
	r.Filtered += other.Filtered
	r.Skipped += other.Skipped
	r.Failed += other.Failed
}
