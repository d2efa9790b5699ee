package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no artifact exists for a job.
var ErrNotFound = errors.New("report not found")

// Content types of stored artifacts.
const (
	ContentTypeMarkdown = "text/markdown; charset=utf-8"
	ContentTypeJSON     = "application/json"
)

// Artifact is one stored rendering of a report.
type Artifact struct {
	Body        []byte
	ContentType string
}

// Store persists reports. Save returns the reference recorded on-chain.
// Open prefers the Markdown rendering over the JSON form.
type Store interface {
	Save(ctx context.Context, r Report) (string, error)
	Open(ctx context.Context, jobID uint64) (Artifact, error)
}

func jsonName(jobID uint64) string     { return fmt.Sprintf("%d.json", jobID) }
func markdownName(jobID uint64) string { return fmt.Sprintf("%d.md", jobID) }

// encode returns the compact JSON and the Markdown form of r.
func encode(r Report) (jsonBody, mdBody []byte, err error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, nil, fmt.Errorf("encode report %d: %w", r.JobID, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), []byte(RenderMarkdown(r)), nil
}
