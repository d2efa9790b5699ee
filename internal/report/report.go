package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/smartaudit/internal/detector"
	"github.com/roach88/smartaudit/internal/synth"
)

// HashDomain separates report hashes from any other SHA-256 use.
const HashDomain = "smartaudit/report/v1"

// MaxSummaryChars bounds the source excerpt kept in a report.
const MaxSummaryChars = 2000

// Report is an assembled audit report.
type Report struct {
	JobID           uint64             `json:"jobId"`
	Summary         string             `json:"summary"`
	Issues          []detector.Finding `json:"issues"`
	Observations    []string           `json:"observations"`
	SynthesisModel  string             `json:"synthesisModel,omitempty"`
	SynthesisOutput string             `json:"synthesisOutput,omitempty"`
	ContentHash     string             `json:"contentHash,omitempty"`
}

// Assemble builds the report for a job from its source, findings and
// synthesis, and stamps the content hash.
func Assemble(jobID uint64, source string, findings []detector.Finding, syn synth.Result) (Report, error) {
	r := Report{
		JobID:           jobID,
		Summary:         nfc(truncate(source, MaxSummaryChars)),
		Issues:          make([]detector.Finding, 0, len(findings)),
		Observations:    make([]string, 0, len(syn.Observations)),
		SynthesisModel:  nfc(syn.Model),
		SynthesisOutput: nfc(syn.Output),
	}
	for _, f := range findings {
		r.Issues = append(r.Issues, normaliseFinding(f))
	}
	for _, o := range syn.Observations {
		r.Observations = append(r.Observations, nfc(o))
	}

	hash, err := ContentHash(r)
	if err != nil {
		return Report{}, err
	}
	r.ContentHash = hash
	return r, nil
}

// ContentHash computes the hash of r, ignoring r.ContentHash.
func ContentHash(r Report) (string, error) {
	r.ContentHash = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal report %d: %w", r.JobID, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize report %d: %w", r.JobID, err)
	}
	return hashWithDomain(HashDomain, canonical), nil
}

// Verify reports whether r.ContentHash matches its content.
func (r Report) Verify() error {
	want, err := ContentHash(r)
	if err != nil {
		return err
	}
	if r.ContentHash != want {
		return fmt.Errorf("report %d: content hash mismatch", r.JobID)
	}
	return nil
}

// Ref returns the stored-report reference for a job.
func Ref(jobID uint64) string {
	return fmt.Sprintf("/reports/%d", jobID)
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func normaliseFinding(f detector.Finding) detector.Finding {
	out := detector.Finding{
		Check:       nfc(f.Check),
		Severity:    nfc(f.Severity),
		Description: nfc(f.Description),
		Locations:   make([]detector.Location, 0, len(f.Locations)),
	}
	for _, l := range f.Locations {
		out.Locations = append(out.Locations, detector.Location{
			Filename: nfc(l.Filename),
			Lines:    append([]int(nil), l.Lines...),
			Type:     nfc(l.Type),
			Name:     nfc(l.Name),
		})
	}
	return out
}

func nfc(s string) string {
	return norm.NFC.String(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
