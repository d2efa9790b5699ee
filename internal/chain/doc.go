// Package chain is the typed boundary to the audit marketplace contract.
//
// Reader decodes the four job events (JobPaid, JobCompleted, JobFailed,
// JobRefunded) and the jobs(uint256) getter into explicit records. Writer
// submits complete/markFailed transactions under the service key with
// legacy gas pricing and waits for a receipt.
//
// Both take a Backend, which *ethclient.Client satisfies, so tests run
// against in-memory fakes.
package chain
