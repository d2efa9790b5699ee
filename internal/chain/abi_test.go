package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testUser     = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func idTopic(id uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(id))
}

func paidLog(t *testing.T, id uint64, user common.Address, amount int64, block uint64, index uint) types.Log {
	t.Helper()
	data, err := parsedABI.Events[EventJobPaid].Inputs.NonIndexed().Pack(big.NewInt(amount))
	require.NoError(t, err)
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{EventTopic(EventJobPaid), idTopic(id), common.BytesToHash(user.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xaaaa"),
		Index:       index,
	}
}

func completedLog(t *testing.T, id uint64, ref string, block uint64) types.Log {
	t.Helper()
	data, err := parsedABI.Events[EventJobCompleted].Inputs.NonIndexed().Pack(ref)
	require.NoError(t, err)
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{EventTopic(EventJobCompleted), idTopic(id)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xbbbb"),
	}
}

func failedLog(t *testing.T, id uint64, reason string, block uint64) types.Log {
	t.Helper()
	data, err := parsedABI.Events[EventJobFailed].Inputs.NonIndexed().Pack(reason)
	require.NoError(t, err)
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{EventTopic(EventJobFailed), idTopic(id)},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xcccc"),
	}
}

func refundedLog(t *testing.T, id uint64, to common.Address, amount int64, block uint64) types.Log {
	t.Helper()
	data, err := parsedABI.Events[EventJobRefunded].Inputs.NonIndexed().Pack(big.NewInt(amount))
	require.NoError(t, err)
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{EventTopic(EventJobRefunded), idTopic(id), common.BytesToHash(to.Bytes())},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xdddd"),
	}
}

func TestDecodeLog_AllKinds(t *testing.T) {
	var ev Events
	require.NoError(t, decodeLog(paidLog(t, 42, testUser, 1000, 7, 3), 1700000000, &ev))
	require.NoError(t, decodeLog(completedLog(t, 42, "/reports/42", 8), 1700000100, &ev))
	require.NoError(t, decodeLog(failedLog(t, 43, "detector_error: boom", 9), 1700000200, &ev))
	require.NoError(t, decodeLog(refundedLog(t, 44, testUser, 5, 10), 1700000300, &ev))

	require.Equal(t, 4, ev.Len())

	paid := ev.Paid[0]
	assert.Equal(t, uint64(42), paid.ID)
	assert.Equal(t, testUser, paid.User)
	assert.Equal(t, "1000", paid.Amount.String())
	assert.Equal(t, uint64(7), paid.Block)
	assert.Equal(t, uint(3), paid.LogIndex)
	assert.Equal(t, int64(1700000000), paid.Time)
	assert.Equal(t, common.HexToHash("0xaaaa").Hex(), paid.TxHash)

	assert.Equal(t, "/reports/42", ev.Completed[0].ReportRef)
	assert.Equal(t, "detector_error: boom", ev.Failed[0].Reason)
	assert.Equal(t, testUser, ev.Refunded[0].To)
	assert.Equal(t, "5", ev.Refunded[0].Amount.String())
}

func TestDecodeLog_UnknownTopicIgnored(t *testing.T) {
	lg := types.Log{Topics: []common.Hash{common.HexToHash("0x1234"), idTopic(1)}}
	var ev Events
	require.NoError(t, decodeLog(lg, 0, &ev))
	assert.Zero(t, ev.Len())
}

func TestDecodeLog_Malformed(t *testing.T) {
	tests := []struct {
		name string
		log  types.Log
	}{
		{"no id topic", types.Log{Topics: []common.Hash{EventTopic(EventJobPaid)}}},
		{"paid without user", types.Log{Topics: []common.Hash{EventTopic(EventJobPaid), idTopic(1)}}},
		{"id overflows int64", types.Log{Topics: []common.Hash{
			EventTopic(EventJobCompleted),
			common.BigToHash(new(big.Int).Lsh(big.NewInt(1), 64)),
		}}},
		{"bad data", types.Log{Topics: []common.Hash{EventTopic(EventJobFailed), idTopic(1)}, Data: []byte{0x01}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ev Events
			assert.Error(t, decodeLog(tt.log, 0, &ev))
		})
	}
}

func TestEventTopicsDistinct(t *testing.T) {
	seen := map[common.Hash]string{}
	for _, name := range []string{EventJobPaid, EventJobCompleted, EventJobFailed, EventJobRefunded} {
		topic := EventTopic(name)
		require.NotEqual(t, common.Hash{}, topic, name)
		_, dup := seen[topic]
		require.False(t, dup, name)
		seen[topic] = name
	}
}
