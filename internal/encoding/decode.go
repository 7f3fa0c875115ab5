package encoding

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/titanous/json5"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrNotUTF8 is returned when a structured-text payload is not valid UTF-8.
	ErrNotUTF8 = errors.New("payload is not valid UTF-8")
	// ErrNotStructured is returned when Decode is asked for a kind that
	// does not describe its own shape.
	ErrNotStructured = errors.New("encoding is not self-describing")
)

var cborDec cbor.DecMode

func init() {
	var err error
	cborDec, err = cbor.DecOptions{
		// Payload maps are keyed by field name; map[string]any keeps the
		// decoded tree compatible with the schema synthesizer.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("encoding: CBOR decoder initialization failed: " + err.Error())
	}
}

// Decode parses a self-describing payload into a generic value tree.
func Decode(kind Kind, payload []byte) (any, error) {
	switch kind {
	case KindJSON:
		return DecodeJSON(payload)
	case KindCBOR:
		var v any
		if err := cborDec.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("parse cbor: %w", err)
		}
		return v, nil
	case KindMsgPack:
		var v any
		if err := msgpack.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("parse msgpack: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotStructured, kind)
	}
}

// DecodeJSON parses JSON5 text: comments, trailing commas, unquoted keys,
// single-quoted strings, hexadecimal numbers, NaN and Infinity are accepted.
// Finite numbers are kept as json5.Number so integers stay distinguishable
// from floats; NaN and Infinity decode to float64.
func DecodeJSON(payload []byte) (any, error) {
	if !utf8.Valid(payload) {
		return nil, ErrNotUTF8
	}
	// Unmarshal checks the whole payload, trailing data included. The
	// streaming decoder is the only path that keeps number literals.
	var whole any
	if err := json5.Unmarshal(payload, &whole); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	dec := json5.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return v, nil
}

// IsObject reports whether v is a key/value object at the top level.
func IsObject(v any) bool {
	switch v.(type) {
	case map[string]any, map[any]any:
		return true
	}
	return false
}
