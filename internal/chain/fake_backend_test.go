package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeBackend is an in-memory Backend. Sent transactions are mined on the
// next receipt poll after minePolls polls.
type fakeBackend struct {
	mu sync.Mutex

	head       uint64
	logs       []types.Log
	blockTimes map[uint64]uint64
	callOut    []byte

	headErr     error
	filterErr   error
	estimateGas uint64
	estimateErr error
	sendErr     error
	revert      bool
	neverMine   bool
	minePolls   int

	filterQueries []ethereum.FilterQuery
	sent          []*types.Transaction
	polls         map[common.Hash]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		blockTimes:  make(map[uint64]uint64),
		polls:       make(map[common.Hash]int),
		estimateGas: 55_000,
	}
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.blockTimes[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return &types.Header{Number: new(big.Int).Set(number), Time: ts}, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterQueries = append(f.filterQueries, q)
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callOut == nil {
		return nil, errors.New("execution reverted")
	}
	return f.callOut, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimateGas, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	for _, prev := range f.sent {
		if prev.Nonce() == tx.Nonce() {
			return errors.New("nonce too low")
		}
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.neverMine {
		return nil, ethereum.NotFound
	}
	f.polls[hash]++
	if f.polls[hash] <= f.minePolls {
		return nil, ethereum.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{
		TxHash:      hash,
		Status:      status,
		BlockNumber: big.NewInt(int64(100 + len(f.sent))),
	}, nil
}

func (f *fakeBackend) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

var _ Backend = (*fakeBackend)(nil)
