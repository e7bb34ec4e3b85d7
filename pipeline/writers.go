package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/aluiziolira/go-confluence-export/models"
)

const maxFilenameTitle = 100

// SpaceWriter persists export artifacts under one directory per space:
// a JSON and a text file per page, space_metadata.json, and
// download_summary.json.
type SpaceWriter struct {
	baseDir string

	mu      sync.Mutex
	written int64
}

// NewSpaceWriter initialises the writer and creates the base directory.
func NewSpaceWriter(baseDir string) (*SpaceWriter, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory cannot be empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %q: %w", baseDir, err)
	}
	return &SpaceWriter{baseDir: baseDir}, nil
}

// Write persists each record as a JSON file and a text file in its space
// directory.
func (w *SpaceWriter) Write(records []*models.PageRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, record := range records {
		dir, err := w.spaceDir(record.SpaceKey)
		if err != nil {
			return err
		}

		stem := record.ID + "_" + SanitizeTitle(record.Title)
		if err := writeJSONFile(filepath.Join(dir, stem+".json"), record); err != nil {
			return err
		}
		if err := writeTextFile(filepath.Join(dir, stem+".txt"), record); err != nil {
			return err
		}
		w.written++
	}
	return nil
}

// WriteSpaceMetadata persists space_metadata.json for the space.
func (w *SpaceWriter) WriteSpaceMetadata(meta *models.SpaceMetadata) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir, err := w.spaceDir(meta.Key)
	if err != nil {
		return err
	}
	return writeJSONFile(filepath.Join(dir, "space_metadata.json"), meta)
}

// WriteSummary persists download_summary.json for the space.
func (w *SpaceWriter) WriteSummary(summary *models.DownloadSummary) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir, err := w.spaceDir(summary.SpaceKey)
	if err != nil {
		return err
	}
	return writeJSONFile(filepath.Join(dir, "download_summary.json"), summary)
}

// Close is a no-op; files are written and closed per record.
func (w *SpaceWriter) Close() error {
	return nil
}

// Validate ensures the output directory exists and is a directory.
func (w *SpaceWriter) Validate() error {
	info, err := os.Stat(w.baseDir)
	if err != nil {
		return fmt.Errorf("stat output directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("output path %q is not a directory", w.baseDir)
	}
	return nil
}

// Written returns the number of page records persisted so far.
func (w *SpaceWriter) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *SpaceWriter) spaceDir(key string) (string, error) {
	dir := filepath.Join(w.baseDir, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %q: %w", dir, err)
	}
	return dir, nil
}

// SanitizeTitle reduces a page title to a filesystem-safe form: letters,
// digits, space, dash, and underscore, capped in length.
func SanitizeTitle(title string) string {
	var builder strings.Builder
	for _, r := range title {
		switch {
		case unicode.IsLetter(r) && r < 128, unicode.IsDigit(r) && r < 128:
			builder.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			builder.WriteRune(r)
		}
	}

	out := strings.TrimSpace(builder.String())
	runes := []rune(out)
	if len(runes) > maxFilenameTitle {
		out = strings.TrimSpace(string(runes[:maxFilenameTitle]))
	}
	if out == "" {
		out = "untitled"
	}
	return out
}

func writeJSONFile(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %q: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}

func writeTextFile(path string, record *models.PageRecord) error {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Title: %s\n", record.Title)
	fmt.Fprintf(&builder, "Space: %s\n", record.SpaceKey)
	fmt.Fprintf(&builder, "URL: %s\n", record.URL)
	fmt.Fprintf(&builder, "Hierarchy: %s\n", record.HierarchyPath)
	fmt.Fprintf(&builder, "Author: %s\n", record.Author)
	fmt.Fprintf(&builder, "Modified: %s\n", record.LastModified.Format(time.RFC3339))
	fmt.Fprintf(&builder, "Labels: %s\n", strings.Join(record.Labels, ", "))
	builder.WriteString(strings.Repeat("=", 80))
	builder.WriteString("\n\n")
	builder.WriteString(record.BodyText)
	builder.WriteByte('\n')

	if err := os.WriteFile(path, []byte(builder.String()), 0o644); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}
