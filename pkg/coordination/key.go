package coordination

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Keyer lets an object supply its own claim key instead of the content hash.
type Keyer interface {
	ClaimKey() uint64
}

// KeyFunc derives the claim key of an object.
type KeyFunc[T any] func(obj T) (uint64, error)

var keyEncoding = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("coordination: cbor encoding options: %v", err))
	}
	return em
}

// Key returns the content key of obj: the first eight bytes, big endian, of
// the BLAKE3 digest of its deterministic CBOR encoding. Equal values hash to
// the same key on every node regardless of map iteration order.
func Key(obj any) (uint64, error) {
	if k, ok := obj.(Keyer); ok {
		return k.ClaimKey(), nil
	}

	data, err := keyEncoding.Marshal(obj)
	if err != nil {
		return 0, fmt.Errorf("failed to encode claim object: %w", err)
	}
	sum := blake3.Sum256(data)
	return binary.BigEndian.Uint64(sum[:8]), nil
}

func isNil(obj any) bool {
	if obj == nil {
		return true
	}
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}
