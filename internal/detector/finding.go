package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// Location points a finding at source.
type Location struct {
	Filename string `json:"filename,omitempty"`
	Lines    []int  `json:"lineno,omitempty"`
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Finding is one normalised detector result.
type Finding struct {
	Check       string     `json:"check"`
	Severity    string     `json:"severity"`
	Description string     `json:"description"`
	Locations   []Location `json:"locations"`
}

// Detector analyses the sources in dir.
type Detector interface {
	Detect(ctx context.Context, dir string) ([]Finding, error)
}

type rawReport struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Results struct {
		Detectors []rawDetector `json:"detectors"`
	} `json:"results"`
}

type rawDetector struct {
	Check       string       `json:"check"`
	Impact      string       `json:"impact"`
	Confidence  string       `json:"confidence"`
	Description string       `json:"description"`
	Markdown    string       `json:"markdown"`
	Elements    []rawElement `json:"elements"`
}

type rawElement struct {
	Type          string `json:"type"`
	Name          string `json:"name"`
	SourceMapping struct {
		FilenameAbsolute string `json:"filename_absolute"`
		FilenameRelative string `json:"filename_relative"`
		Filename         string `json:"filename"`
		Lines            []int  `json:"lines"`
	} `json:"source_mapping"`
}

// Parse normalises a Slither JSON report.
func Parse(data []byte) ([]Finding, error) {
	var raw rawReport
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	if raw.Success != nil && !*raw.Success {
		msg := strings.TrimSpace(raw.Error)
		if msg == "" {
			msg = "analysis unsuccessful"
		}
		return nil, fmt.Errorf("slither: %s", msg)
	}

	findings := make([]Finding, 0, len(raw.Results.Detectors))
	for _, d := range raw.Results.Detectors {
		f := Finding{
			Check:       firstNonEmpty(d.Check, d.Impact, d.Description, "issue"),
			Severity:    firstNonEmpty(d.Impact, d.Confidence, "info"),
			Description: firstNonEmpty(d.Description, d.Markdown),
			Locations:   make([]Location, 0, len(d.Elements)),
		}
		for _, e := range d.Elements {
			sm := e.SourceMapping
			f.Locations = append(f.Locations, Location{
				Filename: baseName(firstNonEmpty(sm.FilenameAbsolute, sm.FilenameRelative, sm.Filename)),
				Lines:    sm.Lines,
				Type:     e.Type,
				Name:     e.Name,
			})
		}
		findings = append(findings, f)
	}
	return findings, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// baseName strips directories using either separator.
func baseName(p string) string {
	if p == "" {
		return ""
	}
	p = strings.ReplaceAll(p, `\`, "/")
	return filepath.Base(p)
}
