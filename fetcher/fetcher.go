// Package fetcher drives the per-space export: space lookup, page
// enumeration, sequential page fetches, conversion, and summary accounting.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aluiziolira/go-confluence-export/config"
	"github.com/aluiziolira/go-confluence-export/confluence"
	"github.com/aluiziolira/go-confluence-export/convert"
	"github.com/aluiziolira/go-confluence-export/models"
	"github.com/aluiziolira/go-confluence-export/pipeline"
)

// Fetcher exports the configured spaces one at a time, one request in
// flight. Page records stream into the pipeline; space metadata and the
// download summary go straight to the writer.
type Fetcher struct {
	cfg    *config.Config
	client *confluence.Client
	writer pipeline.OutputWriter
	pipe   *pipeline.Pipeline
}

// New builds a fetcher from its collaborators.
func New(cfg *config.Config, client *confluence.Client, writer pipeline.OutputWriter, pipe *pipeline.Pipeline) *Fetcher {
	return &Fetcher{
		cfg:    cfg,
		client: client,
		writer: writer,
		pipe:   pipe,
	}
}

// Run exports every configured space. Authentication failures abort the run;
// a missing space is logged and the remaining spaces continue; page-level
// failures are recorded in that space's summary and never abort the space.
func (f *Fetcher) Run(ctx context.Context) (*models.ExportResult, error) {
	result := &models.ExportResult{
		StartTime:    time.Now(),
		ErrorsByType: make(map[string]int),
	}

	for _, key := range f.cfg.SpaceKeys {
		summary, err := f.fetchSpace(ctx, key, result)
		if err != nil {
			var auth confluence.AuthError
			if errors.As(err, &auth) {
				return nil, fmt.Errorf("credential rejected, aborting run: %w", err)
			}
			if ctx.Err() != nil {
				return nil, err
			}

			label := spaceErrorLabel(err)
			result.ErrorCount++
			result.ErrorsByType[label]++
			slog.Error("space export failed",
				slog.String("space", key),
				slog.String("category", label),
				slog.Any("error", err),
			)
			continue
		}

		result.SpaceCount++
		result.PageCount += summary.Succeeded
		result.FailedCount += summary.Failed
		result.Summaries = append(result.Summaries, summary)
	}

	result.RequestCount = f.client.RequestCount()
	result.RetryCount = f.client.RetryCount()
	result.EndTime = time.Now()
	return result, nil
}

func (f *Fetcher) fetchSpace(ctx context.Context, key string, result *models.ExportResult) (*models.DownloadSummary, error) {
	slog.Info("starting space export", slog.String("space", key))

	space, err := f.client.GetSpace(ctx, key)
	if err != nil {
		return nil, err
	}
	slog.Info("space found", slog.String("space", key), slog.String("name", space.Name))

	pages, err := f.client.ListPages(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("enumerate space %q: %w", key, err)
	}

	meta := &models.SpaceMetadata{
		Key:         key,
		Name:        space.Name,
		Description: space.Description,
		BaseURL:     f.cfg.BaseURL,
		PageCount:   len(pages),
		FetchedAt:   time.Now(),
	}
	if err := f.writer.WriteSpaceMetadata(meta); err != nil {
		return nil, fmt.Errorf("write space metadata: %w", err)
	}

	summary := &models.DownloadSummary{
		SpaceKey: key,
		Failures: []models.PageFailure{},
	}
	if len(pages) == 0 {
		slog.Warn("no pages found in space", slog.String("space", key))
		summary.CompletedAt = time.Now()
		if err := f.writer.WriteSummary(summary); err != nil {
			return nil, fmt.Errorf("write summary: %w", err)
		}
		return summary, nil
	}

	for i, page := range pages {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		summary.Attempted++
		slog.Info("processing page",
			slog.Int("n", i+1),
			slog.Int("total", len(pages)),
			slog.String("title", safeLogTitle(page.Title)),
		)

		record, err := f.fetchPage(ctx, key, page.ID)
		if err != nil {
			var auth confluence.AuthError
			if errors.As(err, &auth) {
				return nil, err
			}

			summary.Failed++
			summary.Failures = append(summary.Failures, models.PageFailure{
				PageID: page.ID,
				Title:  page.Title,
				Reason: err.Error(),
			})
			result.ErrorCount++
			result.ErrorsByType[spaceErrorLabel(err)]++
			slog.Error("page export failed",
				slog.String("title", safeLogTitle(page.Title)),
				slog.String("id", page.ID),
				slog.Any("error", err),
			)
			continue
		}

		if err := f.pipe.Process(record); err != nil {
			return nil, fmt.Errorf("pipeline rejected page %s: %w", page.ID, err)
		}
		summary.Succeeded++
	}

	summary.CompletedAt = time.Now()
	if err := f.writer.WriteSummary(summary); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}

	slog.Info("space export complete",
		slog.String("space", key),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, key, id string) (*models.PageRecord, error) {
	page, err := f.client.GetPage(ctx, id)
	if err != nil {
		return nil, err
	}

	bodyText, err := convert.ToText(page.BodyHTML)
	if err != nil {
		// Conversion failure degrades to empty text, never fails the page.
		slog.Warn("html conversion failed",
			slog.String("id", page.ID),
			slog.Any("error", err),
		)
		bodyText = ""
	}
	bodyMarkdown, err := convert.ToMarkdown(page.BodyHTML)
	if err != nil {
		bodyMarkdown = ""
	}

	spaceKey := page.SpaceKey
	if spaceKey == "" {
		spaceKey = key
	}

	titles := make([]string, 0, len(page.Ancestors)+1)
	for _, ancestor := range page.Ancestors {
		titles = append(titles, ancestor.Title)
	}
	titles = append(titles, page.Title)

	return &models.PageRecord{
		ID:            page.ID,
		Title:         page.Title,
		SpaceKey:      spaceKey,
		URL:           f.client.ViewPageURL(page.ID),
		HierarchyPath: strings.Join(titles, " > "),
		Ancestors:     page.Ancestors,
		BodyHTML:      page.BodyHTML,
		BodyText:      bodyText,
		BodyMarkdown:  bodyMarkdown,
		Labels:        page.Labels,
		Version:       page.Version,
		Author:        page.Author,
		LastModified:  page.LastModified,
		ContentLength: len(bodyText),
		FetchedAt:     time.Now(),
	}, nil
}

func spaceErrorLabel(err error) string {
	var notFound confluence.SpaceNotFoundError
	if errors.As(err, &notFound) {
		return "space_not_found"
	}
	var permanent confluence.PermanentError
	if errors.As(err, &permanent) {
		return "permanent"
	}
	var rateLimited confluence.RateLimitedError
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var transient confluence.TransientError
	if errors.As(err, &transient) {
		return "transient"
	}
	return "other"
}

// safeLogTitle keeps log lines ASCII-clean the way the original tooling did.
func safeLogTitle(title string) string {
	var builder strings.Builder
	for _, r := range title {
		if r < 128 && r >= 32 {
			builder.WriteRune(r)
		} else {
			builder.WriteByte('?')
		}
	}
	return builder.String()
}
