package appointment

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var (
	addressT  = mustType("address")
	uint256T  = mustType("uint256")
	bytes32T  = mustType("bytes32")
	bytesT    = mustType("bytes")
	boolVecT  = mustType("bool[4]")
	topicVecT = mustType("bytes32[4]")
)

// digestArgs is the appointment tuple in the order the on-chain contract
// hashes it.
var digestArgs = abi.Arguments{
	{Type: addressT}, // contractAddress
	{Type: addressT}, // customerAddress
	{Type: uint256T}, // startBlock
	{Type: uint256T}, // endBlock
	{Type: uint256T}, // challengePeriod
	{Type: bytes32T}, // id
	{Type: uint256T}, // nonce
	{Type: bytesT},   // data
	{Type: uint256T}, // refund
	{Type: uint256T}, // gasLimit
	{Type: uint256T}, // mode
	{Type: addressT}, // eventAddress
	{Type: bytesT},   // encodedTopics
	{Type: bytesT},   // preCondition
	{Type: bytesT},   // postCondition
	{Type: bytes32T}, // paymentHash
}

var topicArgs = abi.Arguments{{Type: boolVecT}, {Type: topicVecT}}

// EncodeTopicsForDigest packs the event filter as fixed-size vectors with a
// presence flag per slot, so an absent topic stays distinct from the zero
// topic.
func (a *Appointment) EncodeTopicsForDigest() ([]byte, error) {
	if len(a.Topics) > MaxTopics {
		return nil, errors.Errorf("appointment has %d topics, limit is %d", len(a.Topics), MaxTopics)
	}
	var present [4]bool
	var topics [4][32]byte
	for i, t := range a.Topics {
		present[i] = true
		topics[i] = t
	}
	return topicArgs.Pack(present, topics)
}

// Digest computes the hash both parties sign: the keccak-256 of the
// abi-encoded appointment tuple followed by the tower's contract address.
func (a *Appointment) Digest(towerContract common.Address) (common.Hash, error) {
	encodedTopics, err := a.EncodeTopicsForDigest()
	if err != nil {
		return common.Hash{}, err
	}
	refund := (*big.Int)(a.Refund)
	if refund == nil {
		refund = new(big.Int)
	}
	packed, err := digestArgs.Pack(
		a.ContractAddress,
		a.CustomerAddress,
		new(big.Int).SetUint64(a.StartBlock),
		new(big.Int).SetUint64(a.EndBlock),
		new(big.Int).SetUint64(a.ChallengePeriod),
		[32]byte(a.ID),
		new(big.Int).SetUint64(a.Nonce),
		[]byte(a.Data),
		refund,
		new(big.Int).SetUint64(a.GasLimit),
		new(big.Int).SetUint64(uint64(a.Mode)),
		a.EventAddress,
		encodedTopics,
		[]byte(a.PreCondition),
		[]byte(a.PostCondition),
		[32]byte(a.PaymentHash),
	)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "could not encode appointment tuple")
	}
	return crypto.Keccak256Hash(packed, towerContract.Bytes()), nil
}
