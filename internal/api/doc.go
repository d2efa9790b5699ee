// Package api is the HTTP surface of auditd.
//
// Routes:
//
//	POST /jobs          schedule an audit run for a paid job
//	GET  /cases         list a user's cases (?user=&page=&limit=)
//	GET  /cases/{id}    one case, with a best-effort on-chain read
//	GET  /reports/{id}  the stored report, Markdown preferred
//	GET  /health        liveness
//
// Errors are written as RFC 7807 problem documents.
package api
