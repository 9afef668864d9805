// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ids

import "fmt"

// Kind identifies which branch of Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Value is a tagged-union replacement for the duck-typed payloads of the
// source model: string, integer, floating point, boolean, null, an ordered
// sequence of the same union, or a mapping from string to the same union.
//
// A zero Value is KindNull.
type Value struct {
	kind Kind
	str  string
	i    int64
	f    float64
	b    bool
	seq  []Value
	m    map[string]Value
}

func Null() Value                { return Value{kind: KindNull} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Int(i int64) Value          { return Value{kind: KindInt, i: i} }
func Float(f float64) Value      { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Sequence(vs []Value) Value  { return Value{kind: KindSequence, seq: vs} }
func Mapping(m map[string]Value) Value {
	return Value{kind: KindMapping, m: m}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsNull() bool  { return v.kind == KindNull }

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsSequence() ([]Value, bool) {
	if v.kind != KindSequence {
		return nil, false
	}
	return v.seq, true
}

func (v Value) AsMapping() (map[string]Value, bool) {
	if v.kind != KindMapping {
		return nil, false
	}
	return v.m, true
}

// Native converts a Value into a plain `any` using Go native types
// (string, int64, float64, bool, nil, []any, map[string]any), suitable for
// handling off to an expression engine or a handler payload.
func (v Value) Native() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindString:
		return v.str
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	case KindSequence:
		out := make([]any, len(v.seq))
		for i, e := range v.seq {
			out[i] = e.Native()
		}
		return out
	case KindMapping:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Native()
		}
		return out
	default:
		return nil
	}
}

// FromNative lifts a plain Go value (as produced by an AST decoder, JSON
// unmarshal, or an expression evaluation) into the tagged Value union.
// Unsupported types produce an error naming the offending Go type.
func FromNative(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case int32:
		return Int(int64(t)), nil
	case float64:
		return Float(t), nil
	case float32:
		return Float(float64(t)), nil
	case []any:
		seq := make([]Value, len(t))
		for i, e := range t {
			v, err := FromNative(e)
			if err != nil {
				return Value{}, err
			}
			seq[i] = v
		}
		return Sequence(seq), nil
	case []Value:
		return Sequence(t), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := FromNative(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = v
		}
		return Mapping(m), nil
	case map[string]Value:
		return Mapping(t), nil
	case Value:
		return t, nil
	default:
		return Value{}, fmt.Errorf("ids: unsupported native type %T", x)
	}
}

// Clone returns a deep, independent copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindSequence:
		seq := make([]Value, len(v.seq))
		for i, e := range v.seq {
			seq[i] = e.Clone()
		}
		return Sequence(seq)
	case KindMapping:
		m := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			m[k] = e.Clone()
		}
		return Mapping(m)
	default:
		return v
	}
}

// OrderedAttributes is a pair of ordered mappings: params (inputs) and
// returns (outputs), each from attribute name to a Value. Ordering of keys
// (as authored in the AST) is preserved via Keys/Order so that evaluation
// and serialization match source declaration order.
type OrderedAttributes struct {
	order  []string
	values map[string]Value
}

// NewOrderedAttributes constructs an empty, ready-to-use attribute bag.
func NewOrderedAttributes() *OrderedAttributes {
	return &OrderedAttributes{values: make(map[string]Value)}
}

// Set assigns name to value, appending name to the key order on first
// assignment. Re-assigning an existing name keeps its original position,
// matching the "may overwrite an attribute it just wrote" rule in the
// same evaluation phase.
func (a *OrderedAttributes) Set(name string, value Value) {
	if a.values == nil {
		a.values = make(map[string]Value)
	}
	if _, exists := a.values[name]; !exists {
		a.order = append(a.order, name)
	}
	a.values[name] = value
}

// Get returns the value stored under name, and whether it was present.
func (a *OrderedAttributes) Get(name string) (Value, bool) {
	if a == nil || a.values == nil {
		return Value{}, false
	}
	v, ok := a.values[name]
	return v, ok
}

// Keys returns attribute names in declaration/assignment order.
func (a *OrderedAttributes) Keys() []string {
	if a == nil {
		return nil
	}
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Clone returns a deep, independent copy of the attribute bag.
func (a *OrderedAttributes) Clone() *OrderedAttributes {
	if a == nil {
		return NewOrderedAttributes()
	}
	out := &OrderedAttributes{
		order:  append([]string(nil), a.order...),
		values: make(map[string]Value, len(a.values)),
	}
	for k, v := range a.values {
		out.values[k] = v.Clone()
	}
	return out
}

// Native returns a map[string]any view of the attribute bag, suitable for
// handing to the expression evaluator or a handler payload.
func (a *OrderedAttributes) Native() map[string]any {
	out := make(map[string]any)
	if a == nil {
		return out
	}
	for _, k := range a.order {
		out[k] = a.values[k].Native()
	}
	return out
}

// FacetAttributes is a step's params (inputs) and returns (outputs), each
// an OrderedAttributes bag.
type FacetAttributes struct {
	Params  *OrderedAttributes
	Returns *OrderedAttributes
}

// NewFacetAttributes returns an empty, ready-to-use FacetAttributes.
func NewFacetAttributes() FacetAttributes {
	return FacetAttributes{Params: NewOrderedAttributes(), Returns: NewOrderedAttributes()}
}

// Clone returns a deep, independent copy.
func (fa FacetAttributes) Clone() FacetAttributes {
	return FacetAttributes{Params: fa.Params.Clone(), Returns: fa.Returns.Clone()}
}
