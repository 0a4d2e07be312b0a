package rpc

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func paymentLog(t *testing.T, sender, receiver common.Address, amount *big.Int, reference string) *types.Log {
	t.Helper()

	data, err := paymentDataArgs.Pack(amount, reference)
	require.NoError(t, err)

	return &types.Log{
		Topics: []common.Hash{
			PaymentReceivedTopic,
			common.BytesToHash(sender.Bytes()),
			common.BytesToHash(receiver.Bytes()),
		},
		Data:        data,
		TxHash:      common.HexToHash("0xdead"),
		Index:       7,
		BlockNumber: 1234,
	}
}

func TestDecodePayment(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	receiver := common.HexToAddress("0x2222222222222222222222222222222222222222")
	amount, _ := new(big.Int).SetString("123456789012345678901", 10)

	event, err := DecodePayment(paymentLog(t, sender, receiver, amount, "inv-42"))
	require.NoError(t, err)

	require.Equal(t, sender, event.Sender)
	require.Equal(t, receiver, event.Receiver)
	require.Equal(t, 0, amount.Cmp(event.AmountWei))
	require.Equal(t, "inv-42", event.Reference)
	require.Equal(t, common.HexToHash("0xdead"), event.TxHash)
	require.Equal(t, uint(7), event.LogIndex)
	require.Equal(t, uint64(1234), event.BlockNumber)
}

func TestDecodePaymentEmptyReference(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	receiver := common.HexToAddress("0x2222222222222222222222222222222222222222")

	event, err := DecodePayment(paymentLog(t, sender, receiver, big.NewInt(1), ""))
	require.NoError(t, err)
	require.Empty(t, event.Reference)
}

func TestDecodePaymentWrongTopicCount(t *testing.T) {
	log := &types.Log{Topics: []common.Hash{PaymentReceivedTopic}}

	_, err := DecodePayment(log)
	require.Error(t, err)
	require.Contains(t, err.Error(), "expected 3 topics")
}

func TestDecodePaymentWrongSignature(t *testing.T) {
	log := &types.Log{Topics: []common.Hash{
		common.HexToHash("0x01"),
		common.HexToHash("0x02"),
		common.HexToHash("0x03"),
	}}

	_, err := DecodePayment(log)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected event topic")
}

func TestDecodePaymentBadData(t *testing.T) {
	sender := common.HexToAddress("0x1111111111111111111111111111111111111111")
	receiver := common.HexToAddress("0x2222222222222222222222222222222222222222")

	log := paymentLog(t, sender, receiver, big.NewInt(1), "inv-1")
	log.Data = []byte{0x01, 0x02}

	_, err := DecodePayment(log)
	require.Error(t, err)
}
