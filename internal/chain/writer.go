package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
)

// Defaults for contract writes.
const (
	CompleteFallbackGas   = 300_000
	MarkFailedFallbackGas = 200_000

	CompleteConfirmTimeout   = 180 * time.Second
	MarkFailedConfirmTimeout = 60 * time.Second

	DefaultReceiptPollInterval = time.Second
)

// DefaultGasPrice is the fixed legacy gas price (1 gwei).
var DefaultGasPrice = big.NewInt(params.GWei)

// Call is one state-changing contract call.
type Call struct {
	Method         string
	Args           []any
	FallbackGas    uint64
	ConfirmTimeout time.Duration
}

// Submission is the outcome of SubmitAndConfirm. Confirmed is true only when
// a receipt with success status was observed; Err explains anything else.
type Submission struct {
	TxHash    string
	Block     uint64
	Confirmed bool
	Err       error
}

// Writer submits contract calls under the service key.
//
// Thread-safety: one submission is outstanding at a time. The mutex covers
// nonce read, signing, broadcast and confirmation, so overlapping pipeline
// runs never race on the account nonce.
type Writer struct {
	backend      Backend
	contract     common.Address
	chainID      *big.Int
	key          *ecdsa.PrivateKey
	from         common.Address
	gasPrice     *big.Int
	pollInterval time.Duration
	callTimeout  time.Duration
	logger       *slog.Logger

	mu sync.Mutex
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithGasPrice overrides the fixed legacy gas price.
func WithGasPrice(price *big.Int) WriterOption {
	return func(w *Writer) {
		w.gasPrice = new(big.Int).Set(price)
	}
}

// WithReceiptPollInterval sets how often receipts are polled. Non-positive
// values keep the default.
func WithReceiptPollInterval(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithWriterLogger sets the logger.
func WithWriterLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = l
	}
}

// NewWriter creates a Writer signing with the hex private key (0x prefix
// optional).
func NewWriter(backend Backend, contract common.Address, chainID *big.Int, privateKeyHex string, opts ...WriterOption) (*Writer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse service key: %w", err)
	}
	w := &Writer{
		backend:      backend,
		contract:     contract,
		chainID:      new(big.Int).Set(chainID),
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		gasPrice:     new(big.Int).Set(DefaultGasPrice),
		pollInterval: DefaultReceiptPollInterval,
		callTimeout:  DefaultCallTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Address returns the service account address.
func (w *Writer) Address() common.Address {
	return w.from
}

// Complete calls complete(id, reportRef).
func (w *Writer) Complete(ctx context.Context, jobID uint64, reportRef string) Submission {
	return w.SubmitAndConfirm(ctx, Call{
		Method:         MethodComplete,
		Args:           []any{new(big.Int).SetUint64(jobID), reportRef},
		FallbackGas:    CompleteFallbackGas,
		ConfirmTimeout: CompleteConfirmTimeout,
	})
}

// MarkFailed calls markFailed(id, reason).
func (w *Writer) MarkFailed(ctx context.Context, jobID uint64, reason string) Submission {
	return w.SubmitAndConfirm(ctx, Call{
		Method:         MethodMarkFailed,
		Args:           []any{new(big.Int).SetUint64(jobID), reason},
		FallbackGas:    MarkFailedFallbackGas,
		ConfirmTimeout: MarkFailedConfirmTimeout,
	})
}

// SubmitAndConfirm estimates gas (falling back to call.FallbackGas), signs a
// legacy transaction with the current pending nonce, broadcasts it and waits
// for the receipt. It never panics or returns an error: failures come back
// in Submission.Err with Confirmed=false.
func (w *Writer) SubmitAndConfirm(ctx context.Context, call Call) Submission {
	w.mu.Lock()
	defer w.mu.Unlock()

	sub, err := w.submit(ctx, call)
	if err != nil {
		sub.Err = err
		w.logger.Error("contract call not confirmed",
			"method", call.Method, "tx", sub.TxHash, "error", err)
		return sub
	}
	w.logger.Info("contract call mined",
		"method", call.Method, "tx", sub.TxHash, "block", sub.Block, "success", sub.Confirmed)
	return sub
}

func (w *Writer) submit(ctx context.Context, call Call) (Submission, error) {
	var sub Submission

	data, err := parsedABI.Pack(call.Method, call.Args...)
	if err != nil {
		return sub, fmt.Errorf("pack %s: %w", call.Method, err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	nonce, err := w.backend.PendingNonceAt(rpcCtx, w.from)
	cancel()
	if err != nil {
		return sub, fmt.Errorf("nonce: %w", err)
	}

	to := w.contract
	rpcCtx, cancel = context.WithTimeout(ctx, w.callTimeout)
	gas, err := w.backend.EstimateGas(rpcCtx, ethereum.CallMsg{
		From:     w.from,
		To:       &to,
		GasPrice: w.gasPrice,
		Data:     data,
	})
	cancel()
	if err != nil || gas == 0 {
		w.logger.Warn("gas estimation failed, using fallback",
			"method", call.Method, "fallback", call.FallbackGas, "error", err)
		gas = call.FallbackGas
	}

	// Legacy pricing only: minimal test chains reject dynamic-fee txs.
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: w.gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.key)
	if err != nil {
		return sub, fmt.Errorf("sign: %w", err)
	}
	sub.TxHash = signed.Hash().Hex()

	rpcCtx, cancel = context.WithTimeout(ctx, w.callTimeout)
	err = w.backend.SendTransaction(rpcCtx, signed)
	cancel()
	if err != nil {
		return sub, fmt.Errorf("send: %w", err)
	}
	w.logger.Info("contract call sent", "method", call.Method, "tx", sub.TxHash, "nonce", nonce, "gas", gas)

	receipt, err := w.waitMined(ctx, signed.Hash(), call.ConfirmTimeout)
	if err != nil {
		return sub, err
	}
	if receipt.BlockNumber != nil {
		sub.Block = receipt.BlockNumber.Uint64()
	}
	sub.Confirmed = receipt.Status == types.ReceiptStatusSuccessful
	if !sub.Confirmed {
		return sub, fmt.Errorf("transaction %s reverted", sub.TxHash)
	}
	return sub, nil
}

// waitMined polls for the receipt until timeout.
func (w *Writer) waitMined(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	if timeout <= 0 {
		timeout = CompleteConfirmTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := w.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("wait receipt %s: %w (last error: %v)", hash.Hex(), ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("wait receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
