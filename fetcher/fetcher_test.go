package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-confluence-export/config"
	"github.com/aluiziolira/go-confluence-export/confluence"
	"github.com/aluiziolira/go-confluence-export/models"
	"github.com/aluiziolira/go-confluence-export/pipeline"
)

const testBaseURL = "http://confluence.example.test"

type captureWriter struct {
	mu        sync.Mutex
	records   []*models.PageRecord
	metadata  []*models.SpaceMetadata
	summaries []*models.DownloadSummary
}

func (cw *captureWriter) Write(records []*models.PageRecord) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.records = append(cw.records, records...)
	return nil
}

func (cw *captureWriter) WriteSpaceMetadata(meta *models.SpaceMetadata) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.metadata = append(cw.metadata, meta)
	return nil
}

func (cw *captureWriter) WriteSummary(summary *models.DownloadSummary) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.summaries = append(cw.summaries, summary)
	return nil
}

func (cw *captureWriter) Close() error {
	return nil
}

func (cw *captureWriter) Validate() error {
	return nil
}

func (cw *captureWriter) allRecords() []*models.PageRecord {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	out := make([]*models.PageRecord, len(cw.records))
	copy(out, cw.records)
	return out
}

func testConfig(spaces ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBaseURL
	cfg.SpaceKeys = spaces
	cfg.APIToken = "test-token"
	cfg.MaxRetries = 1
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 10 * time.Millisecond
	cfg.BatchSize = 1
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config) (*Fetcher, *captureWriter, *pipeline.Pipeline, *httpmock.MockTransport) {
	t.Helper()

	client, err := confluence.NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	transport := httpmock.NewMockTransport()
	client.SetTransport(transport)

	writer := &captureWriter{}
	pipe, err := pipeline.NewPipeline(writer, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	pipe.Start(1)

	return New(cfg, client, writer, pipe), writer, pipe, transport
}

func registerSpace(transport *httpmock.MockTransport, key, name string) {
	transport.RegisterResponder("GET", testBaseURL+"/rest/api/space/"+key,
		httpmock.NewStringResponder(http.StatusOK,
			fmt.Sprintf(`{"key": %q, "name": %q, "description": {"plain": {"value": "test space"}}}`, key, name)))
}

func registerPageList(transport *httpmock.MockTransport, key string, pageSize int, ids ...string) {
	results := ""
	for i, id := range ids {
		if i > 0 {
			results += ","
		}
		results += fmt.Sprintf(`{"id": %q, "title": "Page %s"}`, id, id)
	}

	query := url.Values{}
	query.Set("spaceKey", key)
	query.Set("type", "page")
	query.Set("status", "current")
	query.Set("expand", "version")
	query.Set("start", "0")
	query.Set("limit", strconv.Itoa(pageSize))
	transport.RegisterResponderWithQuery("GET", testBaseURL+"/rest/api/content", query,
		httpmock.NewStringResponder(http.StatusOK,
			fmt.Sprintf(`{"results": [%s], "start": 0, "limit": %d, "size": %d}`, results, pageSize, len(ids))))
}

func registerPage(transport *httpmock.MockTransport, key, id, body string) {
	transport.RegisterResponder("GET", testBaseURL+"/rest/api/content/"+id,
		httpmock.NewStringResponder(http.StatusOK, fmt.Sprintf(`{
			"id": %q,
			"title": "Page %s",
			"space": {"key": %q},
			"ancestors": [{"id": "1", "title": "Home"}],
			"body": {"storage": {"value": %q}},
			"version": {"number": 2, "when": "2025-05-02T08:00:00.000Z", "by": {"displayName": "Grace"}},
			"metadata": {"labels": {"results": [{"name": "exported"}]}}
		}`, id, id, key, body)))
}

func TestFetcherExportsSpace(t *testing.T) {
	cfg := testConfig("DOCS")
	f, writer, pipe, transport := newHarness(t, cfg)

	registerSpace(transport, "DOCS", "Documentation")
	registerPageList(transport, "DOCS", cfg.PageSize, "10", "11", "12")
	registerPage(transport, "DOCS", "10", "<p>Hello <b>world</b></p>")
	registerPage(transport, "DOCS", "11", "<p>second</p>")
	registerPage(transport, "DOCS", "12", "<p>third</p>")

	result, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := pipe.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if result.SpaceCount != 1 || result.PageCount != 3 || result.FailedCount != 0 {
		t.Fatalf("result = %+v, want 1 space, 3 pages, 0 failed", result)
	}

	if len(writer.summaries) != 1 {
		t.Fatalf("summaries = %d, want 1", len(writer.summaries))
	}
	summary := writer.summaries[0]
	if summary.Attempted != 3 || summary.Succeeded != 3 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want attempted=succeeded=3", summary)
	}
	if len(summary.Failures) != 0 {
		t.Fatalf("failures = %v, want none", summary.Failures)
	}

	if len(writer.metadata) != 1 || writer.metadata[0].PageCount != 3 {
		t.Fatalf("metadata = %+v, want one entry with page count 3", writer.metadata)
	}
	if writer.metadata[0].Name != "Documentation" {
		t.Fatalf("metadata name = %q", writer.metadata[0].Name)
	}

	records := writer.allRecords()
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	var sample *models.PageRecord
	for _, record := range records {
		if record.ID == "10" {
			sample = record
		}
	}
	if sample == nil {
		t.Fatalf("expected record for page 10")
	}
	if sample.BodyText != "Hello world" {
		t.Fatalf("body text = %q, want %q", sample.BodyText, "Hello world")
	}
	if sample.HierarchyPath != "Home > Page 10" {
		t.Fatalf("hierarchy = %q", sample.HierarchyPath)
	}
	if sample.URL != testBaseURL+"/pages/viewpage.action?pageId=10" {
		t.Fatalf("url = %q", sample.URL)
	}
	if sample.Author != "Grace" || sample.Version != 2 {
		t.Fatalf("version fields = %q/%d", sample.Author, sample.Version)
	}
	if len(sample.Labels) != 1 || sample.Labels[0] != "exported" {
		t.Fatalf("labels = %v", sample.Labels)
	}
}

func TestFetcherPageFailureDoesNotAbortSpace(t *testing.T) {
	cfg := testConfig("DOCS")
	f, writer, pipe, transport := newHarness(t, cfg)

	registerSpace(transport, "DOCS", "Documentation")
	registerPageList(transport, "DOCS", cfg.PageSize, "10", "11", "12")
	registerPage(transport, "DOCS", "10", "<p>first</p>")
	transport.RegisterResponder("GET", testBaseURL+"/rest/api/content/11",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))
	registerPage(transport, "DOCS", "12", "<p>third</p>")

	result, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := pipe.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	summary := writer.summaries[0]
	if summary.Attempted != 3 || summary.Succeeded != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 3/2/1", summary)
	}
	if len(summary.Failures) != 1 {
		t.Fatalf("failures = %d, want exactly 1", len(summary.Failures))
	}
	failure := summary.Failures[0]
	if failure.PageID != "11" || failure.Reason == "" {
		t.Fatalf("failure = %+v, want page 11 with a reason", failure)
	}

	// Enumeration proceeded past the failed page.
	records := writer.allRecords()
	found := false
	for _, record := range records {
		if record.ID == "12" {
			found = true
		}
	}
	if !found {
		t.Fatalf("page 12 should have been exported after page 11 failed")
	}
	if result.FailedCount != 1 {
		t.Fatalf("result failed count = %d, want 1", result.FailedCount)
	}
}

func TestFetcherEmptySpace(t *testing.T) {
	cfg := testConfig("EMPTY")
	f, writer, pipe, transport := newHarness(t, cfg)

	registerSpace(transport, "EMPTY", "Empty Space")
	registerPageList(transport, "EMPTY", cfg.PageSize)

	result, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := pipe.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if writer.metadata[0].PageCount != 0 {
		t.Fatalf("page count = %d, want 0", writer.metadata[0].PageCount)
	}
	summary := writer.summaries[0]
	if summary.Attempted != 0 || summary.Succeeded != 0 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want all zero", summary)
	}
	if got := len(writer.allRecords()); got != 0 {
		t.Fatalf("records = %d, want 0", got)
	}
	if result.PageCount != 0 {
		t.Fatalf("result page count = %d, want 0", result.PageCount)
	}
}

func TestFetcherSpaceNotFoundContinuesRun(t *testing.T) {
	cfg := testConfig("GONE", "DOCS")
	f, writer, pipe, transport := newHarness(t, cfg)

	transport.RegisterResponder("GET", testBaseURL+"/rest/api/space/GONE",
		httpmock.NewStringResponder(http.StatusNotFound, ""))
	registerSpace(transport, "DOCS", "Documentation")
	registerPageList(transport, "DOCS", cfg.PageSize, "10")
	registerPage(transport, "DOCS", "10", "<p>only</p>")

	result, err := f.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := pipe.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if result.SpaceCount != 1 {
		t.Fatalf("space count = %d, want 1 (the good space)", result.SpaceCount)
	}
	if result.ErrorsByType["space_not_found"] != 1 {
		t.Fatalf("errors by type = %v, want one space_not_found", result.ErrorsByType)
	}
	if len(writer.summaries) != 1 || writer.summaries[0].SpaceKey != "DOCS" {
		t.Fatalf("summaries = %+v, want one for DOCS", writer.summaries)
	}
}

func TestFetcherAuthFailureAbortsRun(t *testing.T) {
	cfg := testConfig("DOCS", "OTHER")
	f, _, pipe, transport := newHarness(t, cfg)
	defer pipe.Close()

	transport.RegisterResponder("GET", testBaseURL+"/rest/api/space/DOCS",
		httpmock.NewStringResponder(http.StatusUnauthorized, ""))

	_, err := f.Run(context.Background())
	var auth confluence.AuthError
	if err == nil || !errors.As(err, &auth) {
		t.Fatalf("expected auth error to abort the run, got %v", err)
	}
	// No request should have gone to the second space.
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("requests = %d, want 1", got)
	}
}

func TestSafeLogTitle(t *testing.T) {
	if got := safeLogTitle("Plain Title"); got != "Plain Title" {
		t.Fatalf("safeLogTitle = %q", got)
	}
	if got := safeLogTitle("smörgåsbord"); got != "sm?rg?sbord" {
		t.Fatalf("safeLogTitle = %q, want non-ascii replaced", got)
	}
}
