package serial

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/PISAresearch/pisa/testing/assert"
	"github.com/PISAresearch/pisa/testing/require"
	"github.com/golang/snappy"
)

type fakeRecord struct {
	Name  string `json:"name"`
	Count uint64 `json:"count"`
}

func (*fakeRecord) SerialType() string { return "test/fake-record" }

func init() {
	Register("test/fake-record", func() Value { return new(fakeRecord) })
}

func TestMarshalRoundTrip(t *testing.T) {
	in := &fakeRecord{Name: "dispute", Count: 42}
	enc, err := Marshal(in)
	require.NoError(t, err)
	out, err := Unmarshal(enc)
	require.NoError(t, err)
	rec, ok := out.(*fakeRecord)
	require.Equal(t, true, ok, "decoded value has type %T", out)
	require.DeepEqual(t, in, rec)
}

func TestMarshalNil(t *testing.T) {
	_, err := Marshal(nil)
	require.ErrorContains(t, "cannot marshal nil value", err)
}

func TestUnmarshalUnknownTag(t *testing.T) {
	env, err := json.Marshal(envelope{Type: "test/unregistered", Value: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = Unmarshal(snappy.Encode(nil, env))
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestUnmarshalCorruptData(t *testing.T) {
	_, err := Unmarshal([]byte("not snappy"))
	require.ErrorContains(t, "could not decompress record", err)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		require.NotNil(t, recover(), "expected duplicate registration to panic")
	}()
	Register("test/fake-record", func() Value { return new(fakeRecord) })
}

func TestBigNumPreservesPrecision(t *testing.T) {
	v, ok := new(big.Int).SetString("123456789123456789123456789123456789", 10)
	require.Equal(t, true, ok)
	enc, err := Marshal(NewBigNum(v))
	require.NoError(t, err)
	out, err := Unmarshal(enc)
	require.NoError(t, err)
	num, ok := out.(*BigNum)
	require.Equal(t, true, ok, "decoded value has type %T", out)
	assert.Equal(t, 0, num.Int().Cmp(v))
}
