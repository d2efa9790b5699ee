package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// DefaultCallTimeout bounds each read RPC.
const DefaultCallTimeout = 30 * time.Second

// Reader fetches typed events and job state from the contract.
type Reader struct {
	backend  Backend
	contract common.Address
	timeout  time.Duration
	logger   *slog.Logger
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithReaderLogger sets the logger.
func WithReaderLogger(l *slog.Logger) ReaderOption {
	return func(r *Reader) {
		r.logger = l
	}
}

// NewReader creates a Reader for the contract at address.
func NewReader(backend Backend, address common.Address, opts ...ReaderOption) *Reader {
	r := &Reader{backend: backend, contract: address, timeout: DefaultCallTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Head returns the current block height.
func (r *Reader) Head(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	head, err := r.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return head, nil
}

// Events fetches and decodes every consumed event in [from, to].
// Any RPC failure fails the whole range. A log that cannot be decoded would
// fail identically on every retry, so it is logged, counted in Skipped and
// dropped.
func (r *Reader) Events(ctx context.Context, from, to uint64) (Events, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	logs, err := r.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{r.contract},
		Topics: [][]common.Hash{{
			EventTopic(EventJobPaid),
			EventTopic(EventJobCompleted),
			EventTopic(EventJobFailed),
			EventTopic(EventJobRefunded),
		}},
	})
	if err != nil {
		return Events{}, fmt.Errorf("filter logs [%d, %d]: %w", from, to, err)
	}

	var ev Events
	blockTimes := make(map[uint64]int64)
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ts, ok := blockTimes[lg.BlockNumber]
		if !ok {
			header, err := r.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
			if err != nil {
				return Events{}, fmt.Errorf("header %d: %w", lg.BlockNumber, err)
			}
			ts = int64(header.Time)
			blockTimes[lg.BlockNumber] = ts
		}
		if err := decodeLog(lg, ts, &ev); err != nil {
			ev.Skipped++
			r.logger.Warn("skipping undecodable log",
				"block", lg.BlockNumber, "tx", lg.TxHash.Hex(), "index", lg.Index, "error", err)
		}
	}
	return ev, nil
}

// Job reads the on-chain jobs(id) tuple.
func (r *Reader) Job(ctx context.Context, id uint64) (JobState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := parsedABI.Pack(MethodJobs, new(big.Int).SetUint64(id))
	if err != nil {
		return JobState{}, fmt.Errorf("pack jobs: %w", err)
	}
	to := r.contract
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return JobState{}, fmt.Errorf("call jobs(%d): %w", id, err)
	}

	values, err := parsedABI.Unpack(MethodJobs, out)
	if err != nil {
		return JobState{}, fmt.Errorf("unpack jobs(%d): %w", id, err)
	}
	if len(values) != 6 {
		return JobState{}, fmt.Errorf("unpack jobs(%d): got %d values", id, len(values))
	}

	user, ok1 := values[0].(common.Address)
	amount, ok2 := values[1].(*big.Int)
	paidAt, ok3 := values[2].(uint64)
	completed, ok4 := values[3].(bool)
	failed, ok5 := values[4].(bool)
	reportRef, ok6 := values[5].(string)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6) {
		return JobState{}, fmt.Errorf("unpack jobs(%d): unexpected tuple types", id)
	}

	return JobState{
		User:      user.Hex(),
		Amount:    amount.String(),
		PaidAt:    paidAt,
		Completed: completed,
		Failed:    failed,
		ReportRef: reportRef,
	}, nil
}
