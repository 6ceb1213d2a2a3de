// Package serial implements the tagged record format used by the tower's
// persistent stores. Every stored record carries the type tag it was
// registered under, so values read back from disk can be decoded without the
// reader knowing the concrete type up front.
package serial

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Value is any record that can pass through the serial format. SerialType
// returns the tag the concrete type was registered under.
type Value interface {
	SerialType() string
}

// ErrUnknownTag is returned when decoding data whose type tag has no
// registered factory. A record that cannot be decoded is unusable, so callers
// treat this as fatal instead of skipping the record.
var ErrUnknownTag = errors.New("unknown serial type tag")

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Value)
)

// Register binds a type tag to a factory producing an empty value to decode
// into. Tags are registered from init functions and duplicates panic.
func Register(tag string, factory func() Value) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[tag]; ok {
		panic(fmt.Sprintf("serial: duplicate registration of tag %q", tag))
	}
	registry[tag] = factory
}

type envelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Marshal wraps v in a tagged envelope and compresses it.
func Marshal(v Value) ([]byte, error) {
	if v == nil {
		return nil, errors.New("cannot marshal nil value")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "could not marshal %q value", v.SerialType())
	}
	enc, err := json.Marshal(envelope{Type: v.SerialType(), Value: raw})
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, enc), nil
}

// Unmarshal decompresses data, reads the envelope tag and decodes the value
// through the registered factory for that tag.
func Unmarshal(data []byte) (Value, error) {
	dec, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "could not decompress record")
	}
	var env envelope
	if err := json.Unmarshal(dec, &env); err != nil {
		return nil, errors.Wrap(err, "could not read record envelope")
	}
	registryMu.RLock()
	factory, ok := registry[env.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownTag, env.Type)
	}
	v := factory()
	if err := json.Unmarshal(env.Value, v); err != nil {
		return nil, errors.Wrapf(err, "could not unmarshal %q value", env.Type)
	}
	return v, nil
}
