// Package clarity models Clarity values exchanged with the chain API.
//
// Values are a tagged union; response results are parsed into Ok/Err exactly
// once, here, so no caller ever inspects nested JSON shapes directly.
package clarity

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind tags a Value.
type Kind string

const (
	KindUint        Kind = "uint"
	KindBool        Kind = "bool"
	KindPrincipal   Kind = "principal"
	KindStringASCII Kind = "string-ascii"
	KindTuple       Kind = "tuple"
	KindResponseOk  Kind = "ok"
	KindResponseErr Kind = "err"
	KindNone        Kind = "none"
)

// Value is one Clarity value. Exactly one of the payload fields is
// meaningful, selected by Kind.
type Value struct {
	Kind    Kind
	Uint    uint64
	Bool    bool
	Str     string           // principal or string-ascii payload
	Tuple   map[string]Value // tuple fields
	Inner   *Value           // ok payload
	ErrUint uint64           // err code
}

// MakeUint builds a uint value.
func MakeUint(v uint64) Value { return Value{Kind: KindUint, Uint: v} }

// MakeBool builds a bool value.
func MakeBool(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// Principal builds a principal value.
func Principal(p string) Value { return Value{Kind: KindPrincipal, Str: p} }

// StringASCII builds a string-ascii value right-padded with spaces to the
// declared width, matching how fixed-width contract arguments are encoded.
func StringASCII(s string, width int) Value {
	if len(s) > width {
		s = s[:width]
	}
	return Value{Kind: KindStringASCII, Str: s + strings.Repeat(" ", width-len(s))}
}

// Ok wraps a value in a response ok.
func Ok(v Value) Value { return Value{Kind: KindResponseOk, Inner: &v} }

// Err builds a response err carrying a uint error code.
func Err(code uint64) Value { return Value{Kind: KindResponseErr, ErrUint: code} }

// None is the Clarity none value.
var None = Value{Kind: KindNone}

// TupleOf builds a tuple value.
func TupleOf(fields map[string]Value) Value {
	return Value{Kind: KindTuple, Tuple: fields}
}

// Get returns a tuple field.
func (v Value) Get(field string) (Value, bool) {
	if v.Kind != KindTuple {
		return Value{}, false
	}
	f, ok := v.Tuple[field]
	return f, ok
}

// Trimmed returns a string-ascii payload with the padding removed.
func (v Value) Trimmed() string {
	return strings.TrimRight(v.Str, " ")
}

// jsonValue is the wire shape of a Value.
type jsonValue struct {
	Type  string               `json:"type"`
	Value json.RawMessage      `json:"value,omitempty"`
	Tuple map[string]jsonValue `json:"tuple,omitempty"`
}

// MarshalJSON serializes the value in its wire shape.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindUint:
		return json.Marshal(jsonValue{Type: string(KindUint), Value: rawString(strconv.FormatUint(v.Uint, 10))})
	case KindBool:
		raw, _ := json.Marshal(v.Bool)
		return json.Marshal(jsonValue{Type: string(KindBool), Value: raw})
	case KindPrincipal, KindStringASCII:
		return json.Marshal(jsonValue{Type: string(v.Kind), Value: rawString(v.Str)})
	case KindTuple:
		fields := make(map[string]jsonValue, len(v.Tuple))
		for k, f := range v.Tuple {
			b, err := json.Marshal(f)
			if err != nil {
				return nil, err
			}
			var jv jsonValue
			if err := json.Unmarshal(b, &jv); err != nil {
				return nil, err
			}
			fields[k] = jv
		}
		return json.Marshal(jsonValue{Type: string(KindTuple), Tuple: fields})
	case KindResponseOk:
		inner, err := json.Marshal(*v.Inner)
		if err != nil {
			return nil, err
		}
		return json.Marshal(jsonValue{Type: string(KindResponseOk), Value: inner})
	case KindResponseErr:
		return json.Marshal(jsonValue{Type: string(KindResponseErr), Value: rawString(strconv.FormatUint(v.ErrUint, 10))})
	case KindNone:
		return json.Marshal(jsonValue{Type: string(KindNone)})
	}
	return nil, fmt.Errorf("unknown clarity kind %q", v.Kind)
}

// UnmarshalJSON parses the wire shape back into a Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}
	return v.fromJSON(jv)
}

func (v *Value) fromJSON(jv jsonValue) error {
	switch Kind(jv.Type) {
	case KindUint:
		s, err := unquote(jv.Value)
		if err != nil {
			return err
		}
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid uint payload %q: %w", s, err)
		}
		*v = MakeUint(u)
	case KindBool:
		var b bool
		if err := json.Unmarshal(jv.Value, &b); err != nil {
			return fmt.Errorf("invalid bool payload: %w", err)
		}
		*v = MakeBool(b)
	case KindPrincipal:
		s, err := unquote(jv.Value)
		if err != nil {
			return err
		}
		*v = Principal(s)
	case KindStringASCII:
		s, err := unquote(jv.Value)
		if err != nil {
			return err
		}
		*v = Value{Kind: KindStringASCII, Str: s}
	case KindTuple:
		fields := make(map[string]Value, len(jv.Tuple))
		for k, f := range jv.Tuple {
			var fv Value
			if err := fv.fromJSON(f); err != nil {
				return fmt.Errorf("tuple field %q: %w", k, err)
			}
			fields[k] = fv
		}
		*v = TupleOf(fields)
	case KindResponseOk:
		var inner Value
		if err := json.Unmarshal(jv.Value, &inner); err != nil {
			return fmt.Errorf("ok payload: %w", err)
		}
		*v = Ok(inner)
	case KindResponseErr:
		s, err := unquote(jv.Value)
		if err != nil {
			return err
		}
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid err code %q: %w", s, err)
		}
		*v = Err(u)
	case KindNone:
		*v = None
	default:
		return fmt.Errorf("unknown clarity type %q", jv.Type)
	}
	return nil
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func unquote(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected string payload: %w", err)
	}
	return s, nil
}

// Response unwraps a response value into its ok payload or error code.
// Non-response values are returned as-is with ok=true, matching read-only
// functions that return bare values.
func Response(v Value) (Value, uint64, bool) {
	switch v.Kind {
	case KindResponseOk:
		return *v.Inner, 0, true
	case KindResponseErr:
		return Value{}, v.ErrUint, false
	default:
		return v, 0, true
	}
}
