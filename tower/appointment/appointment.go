// Package appointment defines the customer-signed job record the tower
// watches for, the digest both parties sign, and the validation rules the
// ingress applies before accepting a request.
package appointment

import (
	"github.com/PISAresearch/pisa/config/params"
	"github.com/PISAresearch/pisa/encoding/serial"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Appointment modes. Relay appointments dispatch unconditionally inside
// their block window; event appointments dispatch when a matching log is
// observed.
const (
	ModeRelay uint8 = 0
	ModeEvent uint8 = 1
)

// MaxTopics is the largest event filter an appointment may carry, matching
// the four topic slots of an execution layer log.
const MaxTopics = 4

// Appointment is an immutable, customer-signed record instructing the tower
// to dispatch calldata to a contract within a block window. Identity for
// replacement is (CustomerAddress, ID); a higher Nonce replaces.
type Appointment struct {
	CustomerAddress common.Address `json:"customerAddress" validate:"required"`
	ID              common.Hash    `json:"id" validate:"required"`
	Nonce           uint64         `json:"nonce"`
	StartBlock      uint64         `json:"startBlock"`
	EndBlock        uint64         `json:"endBlock" validate:"required"`
	ContractAddress common.Address `json:"contractAddress"`
	Data            hexutil.Bytes  `json:"data"`
	GasLimit        uint64         `json:"gasLimit"`
	ChallengePeriod uint64         `json:"challengePeriod"`
	Refund          *hexutil.Big   `json:"refund"`
	PreCondition    hexutil.Bytes  `json:"preCondition"`
	PostCondition   hexutil.Bytes  `json:"postCondition"`
	PaymentHash     common.Hash    `json:"paymentHash"`
	Mode            uint8          `json:"mode" validate:"lte=1"`
	EventAddress    common.Address `json:"eventAddress"`
	Topics          []common.Hash  `json:"topics" validate:"max=4"`
	CustomerSig     hexutil.Bytes  `json:"customerSig" validate:"required"`
}

// SerialType implements serial.Value.
func (*Appointment) SerialType() string { return "appointment/v1" }

func init() {
	serial.Register("appointment/v1", func() serial.Value { return new(Appointment) })
}

// Locator identifies an appointment by owning customer and customer-chosen
// id, the pair under which replacements compete.
type Locator [common.AddressLength + common.HashLength]byte

// Locator returns the appointment's identity pair as one key.
func (a *Appointment) Locator() Locator {
	var l Locator
	copy(l[:common.AddressLength], a.CustomerAddress.Bytes())
	copy(l[common.AddressLength:], a.ID.Bytes())
	return l
}

func (l Locator) String() string {
	return hexutil.Encode(l[:])
}

// MatchesLog reports whether a log satisfies the appointment's event filter.
// Addresses and topics are compared as raw bytes, so matching is insensitive
// to the hex casing a customer submitted. Filter topics match positionally
// and unset trailing positions match anything.
func (a *Appointment) MatchesLog(l *gethtypes.Log) bool {
	if a.Mode != ModeEvent {
		return false
	}
	if l.Address != a.EventAddress {
		return false
	}
	if len(l.Topics) < len(a.Topics) {
		return false
	}
	for i, topic := range a.Topics {
		if l.Topics[i] != topic {
			return false
		}
	}
	return true
}

// IsBackup reports whether the appointment uses the off-chain storage
// shorthand: customer, contract and event address coincide and the remaining
// fields carry the fixed backup shape.
func (a *Appointment) IsBackup() bool {
	cfg := params.TowerConfig()
	return a.ContractAddress == a.CustomerAddress &&
		a.EventAddress == a.CustomerAddress &&
		a.EndBlock == a.StartBlock+cfg.BackupDuration &&
		a.GasLimit == 0 &&
		a.ChallengePeriod == cfg.BackupChallengePeriod &&
		len(a.Topics) == 0
}
