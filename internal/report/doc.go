// Package report assembles audit reports, renders them and persists them.
//
// A Report is immutable once assembled. Its ContentHash is the SHA-256 of the
// RFC 8785 canonical JSON of every other field, with all text normalised to
// NFC first and a domain prefix mixed in:
//
//	SHA256("smartaudit/report/v1" + 0x00 + JCS(report without contentHash))
//
// The hash is an integrity and dedup reference, never a key. Reports are
// stored twice per job, as JSON and as rendered Markdown, and addressed by
// the reference "/reports/{jobId}".
package report
