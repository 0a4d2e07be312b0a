package rpc

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// PaymentReceived(address indexed sender, address indexed receiver, uint256 amount, string reference)
const paymentEventSignature = "PaymentReceived(address,address,uint256,string)"

// paymentTopicsCount: event signature hash + 2 indexed address params.
const paymentTopicsCount = 3

// PaymentReceivedTopic is the topic0 hash of the PaymentReceived event.
var PaymentReceivedTopic = crypto.Keccak256Hash([]byte(paymentEventSignature))

// paymentDataArgs describe the non-indexed event fields, in order.
var paymentDataArgs abi.Arguments

func init() {
	uint256Ty, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(err)
	}

	paymentDataArgs = abi.Arguments{
		{Name: "amount", Type: uint256Ty},
		{Name: "reference", Type: stringTy},
	}
}

// DecodePayment converts a raw PaymentReceived log into a typed PaymentEvent.
// It validates the log shape so nothing downstream has to.
func DecodePayment(log *types.Log) (PaymentEvent, error) {
	if len(log.Topics) != paymentTopicsCount {
		return PaymentEvent{}, fmt.Errorf("invalid PaymentReceived event: expected %d topics, got %d",
			paymentTopicsCount, len(log.Topics))
	}
	if log.Topics[0] != PaymentReceivedTopic {
		return PaymentEvent{}, fmt.Errorf("unexpected event topic: %s", log.Topics[0].Hex())
	}

	values, err := paymentDataArgs.Unpack(log.Data)
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("failed to unpack PaymentReceived data: %w", err)
	}

	amount, ok := values[0].(*big.Int)
	if !ok {
		return PaymentEvent{}, fmt.Errorf("expected *big.Int amount, got %T", values[0])
	}
	reference, ok := values[1].(string)
	if !ok {
		return PaymentEvent{}, fmt.Errorf("expected string reference, got %T", values[1])
	}

	return PaymentEvent{
		Sender:      common.BytesToAddress(log.Topics[1].Bytes()),
		Receiver:    common.BytesToAddress(log.Topics[2].Bytes()),
		AmountWei:   amount,
		Reference:   reference,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		BlockNumber: log.BlockNumber,
	}, nil
}
