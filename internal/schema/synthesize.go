// Package schema derives and locates schema descriptions for bus payloads.
//
// Two sources exist: Synthesize infers a JSON Schema from one example value
// of a self-describing payload, and Loader reads an externally maintained
// message definition (`<root>/<package>/<name>.msg`) for binary-record payloads.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/titanous/json5"
)

// Schema language tags, as registered in the container's schema records.
const (
	LanguageJSONSchema = "jsonschema"
	LanguageROS2Msg    = "ros2msg"
)

// Synthesize returns a JSON Schema description with the same shape as v.
//
// v is a decoded structured value: nil, bool, json5.Number, any Go integer or
// float type, string, []byte, []any, map[string]any or map[any]any. Arrays are
// described by their first element only. Object properties are emitted as a
// Go map, so encoding/json writes them in sorted key order and identical
// shapes always marshal to identical bytes.
func Synthesize(v any) map[string]any {
	switch val := v.(type) {
	case nil:
		return typed("null")
	case bool:
		return typed("boolean")
	case json5.Number:
		// Int64 accepts decimal and hexadecimal literals.
		if _, err := val.Int64(); err == nil {
			return typed("integer")
		}
		return typed("number")
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		return typed("integer")
	case uint64:
		if val > math.MaxInt64 {
			return typed("number")
		}
		return typed("integer")
	case float32, float64:
		return typed("number")
	case string, []byte:
		return typed("string")
	case []any:
		items := map[string]any{}
		if len(val) > 0 {
			items = Synthesize(val[0])
		}
		return map[string]any{"type": "array", "items": items}
	case map[string]any:
		props := make(map[string]any, len(val))
		for k, child := range val {
			props[k] = Synthesize(child)
		}
		return map[string]any{"type": "object", "properties": props}
	case map[any]any:
		props := make(map[string]any, len(val))
		for k, child := range val {
			props[fmt.Sprint(k)] = Synthesize(child)
		}
		return map[string]any{"type": "object", "properties": props}
	default:
		return synthesizeReflect(reflect.ValueOf(v))
	}
}

// synthesizeReflect handles typed slices and maps produced by some decoders.
func synthesizeReflect(rv reflect.Value) map[string]any {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := map[string]any{}
		if rv.Len() > 0 {
			items = Synthesize(rv.Index(0).Interface())
		}
		return map[string]any{"type": "array", "items": items}
	case reflect.Map:
		props := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			props[fmt.Sprint(iter.Key().Interface())] = Synthesize(iter.Value().Interface())
		}
		return map[string]any{"type": "object", "properties": props}
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return typed("null")
		}
		return Synthesize(rv.Elem().Interface())
	default:
		return map[string]any{}
	}
}

func typed(name string) map[string]any {
	return map[string]any{"type": name}
}

// Marshal synthesizes v and encodes the result as compact JSON.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(Synthesize(v))
}
