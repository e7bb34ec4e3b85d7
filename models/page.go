// Package models defines data structures for the exporter.
package models

import "time"

// Ancestor is one node in a page's hierarchy chain, root first.
type Ancestor struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// PageRecord is a single exported Confluence page. It is built once by the
// fetch loop and treated as immutable after it is handed to the pipeline.
type PageRecord struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	SpaceKey      string     `json:"space_key"`
	URL           string     `json:"url"`
	HierarchyPath string     `json:"hierarchy_path"`
	Ancestors     []Ancestor `json:"ancestors"`
	BodyHTML      string     `json:"storage_format"`
	BodyText      string     `json:"plain_text"`
	BodyMarkdown  string     `json:"markdown"`
	Labels        []string   `json:"labels"`
	Version       int        `json:"version"`
	Author        string     `json:"author"`
	LastModified  time.Time  `json:"modified_date"`
	ContentLength int        `json:"content_length"`
	FetchedAt     time.Time  `json:"downloaded_at"`
}

// AncestorIDs returns the ordered ancestor ids, root to direct parent.
func (p *PageRecord) AncestorIDs() []string {
	ids := make([]string, len(p.Ancestors))
	for i, a := range p.Ancestors {
		ids[i] = a.ID
	}
	return ids
}

// SpaceMetadata describes an exported space, written once per space after the
// full page enumeration.
type SpaceMetadata struct {
	Key         string    `json:"space_key"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	BaseURL     string    `json:"base_url"`
	PageCount   int       `json:"page_count"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// PageFailure records a page that could not be exported.
type PageFailure struct {
	PageID string `json:"page_id"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

// DownloadSummary accumulates per-space outcome counts, written to the space
// directory once the space is done.
type DownloadSummary struct {
	SpaceKey    string        `json:"space_key"`
	Attempted   int           `json:"attempted"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Failures    []PageFailure `json:"failures"`
	CompletedAt time.Time     `json:"completed_at"`
}

// ExportResult holds the overall result of an export run.
type ExportResult struct {
	StartTime    time.Time
	EndTime      time.Time
	SpaceCount   int
	PageCount    int
	FailedCount  int
	RequestCount int
	RetryCount   int
	ErrorCount   int
	ErrorsByType map[string]int
	Summaries    []*DownloadSummary
}
