// Package encoding interprets bus encoding strings and decodes
// self-describing payloads into generic values.
package encoding

import "strings"

// Kind is the closed set of encodings the recorder knows how to register.
type Kind int

const (
	// KindUnknown covers every encoding the recorder cannot describe.
	// Messages of this kind are dropped.
	KindUnknown Kind = iota
	// KindCDR is a binary record whose schema lives in an external
	// definition file named by the descriptor's schema token.
	KindCDR
	// KindJSON is structured text; its schema is inferred from the payload.
	KindJSON
	// KindCBOR is a self-describing binary structure, schema inferred.
	KindCBOR
	// KindMsgPack is a self-describing binary structure, schema inferred.
	KindMsgPack
)

func (k Kind) String() string {
	switch k {
	case KindCDR:
		return "cdr"
	case KindJSON:
		return "json"
	case KindCBOR:
		return "cbor"
	case KindMsgPack:
		return "msgpack"
	default:
		return "unknown"
	}
}

// MessageEncoding is the container-level message encoding tag for k.
func (k Kind) MessageEncoding() string {
	if k == KindUnknown {
		return ""
	}
	return k.String()
}

// Structured reports whether payloads of this kind carry their own shape.
func (k Kind) Structured() bool {
	return k == KindJSON || k == KindCBOR || k == KindMsgPack
}

// Descriptor is the parsed form of a `primary/type[;schema]` encoding string.
type Descriptor struct {
	Raw     string
	Primary string // media type, lower-cased
	Schema  string // optional schema token, as received
	Kind    Kind
}

// Parse splits an encoding string and classifies it.
// Only the first ';' separates the schema token.
func Parse(raw string) Descriptor {
	primary, schema, _ := strings.Cut(raw, ";")
	d := Descriptor{
		Raw:     raw,
		Primary: strings.ToLower(strings.TrimSpace(primary)),
		Schema:  strings.TrimSpace(schema),
	}
	switch d.Primary {
	case "application/cdr":
		if d.Schema != "" {
			d.Kind = KindCDR
		}
	case "application/json":
		d.Kind = KindJSON
	case "application/cbor":
		d.Kind = KindCBOR
	case "application/msgpack", "application/x-msgpack":
		d.Kind = KindMsgPack
	}
	return d
}
