// Package output writes the result of a run as a JSON document or into a
// SQLite database.
package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Sternrassler/gh-harvest/pkg/coordinator"
	"github.com/Sternrassler/gh-harvest/pkg/model"
)

// Writer persists a run result.
type Writer interface {
	Write(ctx context.Context, res *coordinator.Result) error
}

// Document is the JSON output artifact.
type Document struct {
	RunID         string                `json:"run_id"`
	GeneratedAt   time.Time             `json:"generated_at"`
	TotalProjects int                   `json:"total_projects"`
	TotalStars    int                   `json:"total_stars"`
	Summary       coordinator.Summary   `json:"summary"`
	Projects      []model.ProjectRecord `json:"projects"`
}

// NewDocument builds the output document of res.
func NewDocument(res *coordinator.Result, generatedAt time.Time) Document {
	projects := res.Projects
	if projects == nil {
		projects = []model.ProjectRecord{}
	}
	return Document{
		RunID:         res.RunID,
		GeneratedAt:   generatedAt,
		TotalProjects: len(projects),
		TotalStars:    res.TotalStars(),
		Summary:       res.Summary,
		Projects:      projects,
	}
}

// JSONWriter writes the result as indented JSON to a file.
type JSONWriter struct {
	Path string
	now  func() time.Time
}

// NewJSONWriter creates a writer for path.
func NewJSONWriter(path string) *JSONWriter {
	return &JSONWriter{Path: path, now: time.Now}
}

// Write implements Writer.
func (w *JSONWriter) Write(ctx context.Context, res *coordinator.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Create(w.Path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := Encode(f, NewDocument(res, w.now())); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	return nil
}

// Encode writes doc as indented JSON.
func Encode(out io.Writer, doc Document) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
