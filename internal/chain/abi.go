package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// contractABI is the subset of the marketplace contract the service uses.
const contractABI = `[
  {"anonymous":false,"name":"JobPaid","type":"event","inputs":[
    {"indexed":true,"name":"id","type":"uint256"},
    {"indexed":true,"name":"user","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"}]},
  {"anonymous":false,"name":"JobCompleted","type":"event","inputs":[
    {"indexed":true,"name":"id","type":"uint256"},
    {"indexed":false,"name":"reportCID","type":"string"}]},
  {"anonymous":false,"name":"JobFailed","type":"event","inputs":[
    {"indexed":true,"name":"id","type":"uint256"},
    {"indexed":false,"name":"reason","type":"string"}]},
  {"anonymous":false,"name":"JobRefunded","type":"event","inputs":[
    {"indexed":true,"name":"id","type":"uint256"},
    {"indexed":true,"name":"to","type":"address"},
    {"indexed":false,"name":"amount","type":"uint256"}]},
  {"name":"jobs","type":"function","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[
    {"name":"user","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"paidAt","type":"uint64"},
    {"name":"completed","type":"bool"},
    {"name":"failed","type":"bool"},
    {"name":"reportCID","type":"string"}]},
  {"name":"markFailed","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]},
  {"name":"complete","type":"function","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"uint256"},{"name":"reportCID","type":"string"}],"outputs":[]}
]`

// Event and method names.
const (
	EventJobPaid      = "JobPaid"
	EventJobCompleted = "JobCompleted"
	EventJobFailed    = "JobFailed"
	EventJobRefunded  = "JobRefunded"

	MethodComplete   = "complete"
	MethodMarkFailed = "markFailed"
	MethodJobs       = "jobs"
)

// ParsedABI returns the parsed contract ABI.
func ParsedABI() abi.ABI {
	return parsedABI
}

var parsedABI = mustParseABI(contractABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid contract ABI: %v", err))
	}
	return parsed
}

// EventTopic returns topic0 for the named event.
func EventTopic(name string) common.Hash {
	return parsedABI.Events[name].ID
}

// Provenance locates an event on the ledger.
type Provenance struct {
	TxHash   string
	Block    uint64
	LogIndex uint
	Time     int64
}

// JobPaid is a decoded JobPaid event.
type JobPaid struct {
	ID     uint64
	User   common.Address
	Amount *big.Int
	Provenance
}

// JobCompleted is a decoded JobCompleted event.
type JobCompleted struct {
	ID        uint64
	ReportRef string
	Provenance
}

// JobFailed is a decoded JobFailed event.
type JobFailed struct {
	ID     uint64
	Reason string
	Provenance
}

// JobRefunded is a decoded JobRefunded event.
type JobRefunded struct {
	ID     uint64
	To     common.Address
	Amount *big.Int
	Provenance
}

// Events is every consumed event in a block range, in log order per kind.
type Events struct {
	Paid      []JobPaid
	Completed []JobCompleted
	Failed    []JobFailed
	Refunded  []JobRefunded
	// Skipped counts logs dropped because they could not be decoded.
	Skipped int
}

// Len returns the number of decoded events.
func (e Events) Len() int {
	return len(e.Paid) + len(e.Completed) + len(e.Failed) + len(e.Refunded)
}

// JobState is the on-chain jobs(id) tuple.
type JobState struct {
	User      string `json:"user"`
	Amount    string `json:"amount"`
	PaidAt    uint64 `json:"paidAt"`
	Completed bool   `json:"completed"`
	Failed    bool   `json:"failed"`
	ReportRef string `json:"reportCID"`
}

// jobID validates an indexed uint256 topic as a job id.
func jobID(topic common.Hash) (uint64, error) {
	id := new(big.Int).SetBytes(topic.Bytes())
	if !id.IsUint64() || id.Uint64() > 1<<63-1 {
		return 0, fmt.Errorf("job id %s out of range", id)
	}
	return id.Uint64(), nil
}

// decodeLog turns one contract log into a typed event appended to ev.
// Logs with an unknown topic0 are ignored.
func decodeLog(lg types.Log, blockTime int64, ev *Events) error {
	if len(lg.Topics) < 2 {
		return fmt.Errorf("log %s#%d: missing indexed topics", lg.TxHash.Hex(), lg.Index)
	}
	id, err := jobID(lg.Topics[1])
	if err != nil {
		return fmt.Errorf("log %s#%d: %w", lg.TxHash.Hex(), lg.Index, err)
	}
	prov := Provenance{
		TxHash:   lg.TxHash.Hex(),
		Block:    lg.BlockNumber,
		LogIndex: lg.Index,
		Time:     blockTime,
	}

	switch lg.Topics[0] {
	case EventTopic(EventJobPaid):
		if len(lg.Topics) < 3 {
			return fmt.Errorf("JobPaid %d: missing user topic", id)
		}
		var data struct{ Amount *big.Int }
		if err := parsedABI.UnpackIntoInterface(&data, EventJobPaid, lg.Data); err != nil {
			return fmt.Errorf("JobPaid %d: %w", id, err)
		}
		ev.Paid = append(ev.Paid, JobPaid{
			ID:         id,
			User:       common.BytesToAddress(lg.Topics[2].Bytes()),
			Amount:     data.Amount,
			Provenance: prov,
		})
	case EventTopic(EventJobCompleted):
		var data struct{ ReportCID string }
		if err := parsedABI.UnpackIntoInterface(&data, EventJobCompleted, lg.Data); err != nil {
			return fmt.Errorf("JobCompleted %d: %w", id, err)
		}
		ev.Completed = append(ev.Completed, JobCompleted{ID: id, ReportRef: data.ReportCID, Provenance: prov})
	case EventTopic(EventJobFailed):
		var data struct{ Reason string }
		if err := parsedABI.UnpackIntoInterface(&data, EventJobFailed, lg.Data); err != nil {
			return fmt.Errorf("JobFailed %d: %w", id, err)
		}
		ev.Failed = append(ev.Failed, JobFailed{ID: id, Reason: data.Reason, Provenance: prov})
	case EventTopic(EventJobRefunded):
		if len(lg.Topics) < 3 {
			return fmt.Errorf("JobRefunded %d: missing recipient topic", id)
		}
		var data struct{ Amount *big.Int }
		if err := parsedABI.UnpackIntoInterface(&data, EventJobRefunded, lg.Data); err != nil {
			return fmt.Errorf("JobRefunded %d: %w", id, err)
		}
		ev.Refunded = append(ev.Refunded, JobRefunded{
			ID:         id,
			To:         common.BytesToAddress(lg.Topics[2].Bytes()),
			Amount:     data.Amount,
			Provenance: prov,
		})
	}
	return nil
}
