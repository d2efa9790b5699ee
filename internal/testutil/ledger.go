package testutil

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/roach88/smartaudit/internal/chain"
)

// ErrReadOnly is returned by FakeLedger for every write RPC.
var ErrReadOnly = errors.New("fake ledger is read-only")

// FakeLedger is an in-memory, read-only chain.Backend holding contract
// logs. It is safe for concurrent use.
type FakeLedger struct {
	mu         sync.Mutex
	head       uint64
	logs       []types.Log
	blockTimes map[uint64]uint64
	filters    int
}

var _ chain.Backend = (*FakeLedger)(nil)

// NewFakeLedger returns an empty ledger at height 0.
func NewFakeLedger() *FakeLedger {
	return &FakeLedger{blockTimes: make(map[uint64]uint64)}
}

// SetHead sets the reported block height.
func (l *FakeLedger) SetHead(h uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = h
}

// AddPaid appends a JobPaid log at block, mined at time ts, and raises the
// head to at least block.
func (l *FakeLedger) AddPaid(id uint64, user common.Address, amount int64, block, ts uint64) error {
	data, err := chain.ParsedABI().Events[chain.EventJobPaid].Inputs.NonIndexed().Pack(big.NewInt(amount))
	if err != nil {
		return err
	}
	l.add(types.Log{
		Topics:      []common.Hash{chain.EventTopic(chain.EventJobPaid), idTopic(id), common.BytesToHash(user.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(id)),
	}, ts)
	return nil
}

// AddCompleted appends a JobCompleted log.
func (l *FakeLedger) AddCompleted(id uint64, ref string, block, ts uint64) error {
	data, err := chain.ParsedABI().Events[chain.EventJobCompleted].Inputs.NonIndexed().Pack(ref)
	if err != nil {
		return err
	}
	l.add(types.Log{
		Topics:      []common.Hash{chain.EventTopic(chain.EventJobCompleted), idTopic(id)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(1<<32 + id)),
	}, ts)
	return nil
}

func (l *FakeLedger) add(lg types.Log, ts uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lg.Index = uint(len(l.logs))
	l.logs = append(l.logs, lg)
	sort.SliceStable(l.logs, func(i, j int) bool { return l.logs[i].BlockNumber < l.logs[j].BlockNumber })
	l.blockTimes[lg.BlockNumber] = ts
	if lg.BlockNumber > l.head {
		l.head = lg.BlockNumber
	}
}

// FilterCalls returns how many log queries were served.
func (l *FakeLedger) FilterCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filters
}

func idTopic(id uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(id))
}

func (l *FakeLedger) BlockNumber(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, nil
}

func (l *FakeLedger) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts, ok := l.blockTimes[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return &types.Header{Number: new(big.Int).Set(number), Time: ts}, nil
}

func (l *FakeLedger) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filters++
	var out []types.Log
	for _, lg := range l.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			if len(q.Addresses) > 0 {
				lg.Address = q.Addresses[0]
			}
			out = append(out, lg)
		}
	}
	return out, nil
}

func (l *FakeLedger) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, ErrReadOnly
}

func (l *FakeLedger) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, ErrReadOnly
}

func (l *FakeLedger) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 0, ErrReadOnly
}

func (l *FakeLedger) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return ErrReadOnly
}

func (l *FakeLedger) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ErrReadOnly
}
