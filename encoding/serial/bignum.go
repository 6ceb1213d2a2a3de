package serial

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BigNum carries an arbitrary precision integer through the serial format.
// The JSON form is a 0x-prefixed hex string, so precision survives decoders
// that would round large numeric literals.
type BigNum struct {
	Value *hexutil.Big `json:"value"`
}

// NewBigNum wraps v for storage.
func NewBigNum(v *big.Int) *BigNum {
	return &BigNum{Value: (*hexutil.Big)(v)}
}

// Int returns the wrapped integer.
func (b *BigNum) Int() *big.Int {
	return (*big.Int)(b.Value)
}

// SerialType implements Value.
func (*BigNum) SerialType() string {
	return "bignum"
}

func init() {
	Register("bignum", func() Value { return new(BigNum) })
}
