package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValueKind tags the payload of a Value.
type ValueKind int

const (
	KindNone ValueKind = iota
	KindNumber
	KindBool
	KindString
	KindTokens
)

func (k ValueKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindTokens:
		return "tokens"
	default:
		return "none"
	}
}

// Value is an observed or expected feature value.
type Value struct {
	Kind   ValueKind
	Num    float64
	Bool   bool
	Str    string
	Tokens []string
}

func Num(v float64) Value      { return Value{Kind: KindNumber, Num: v} }
func Bool(v bool) Value        { return Value{Kind: KindBool, Bool: v} }
func Str(v string) Value       { return Value{Kind: KindString, Str: v} }
func Tokens(v ...string) Value { return Value{Kind: KindTokens, Tokens: v} }

// IsZero reports whether no value was set.
func (v Value) IsZero() bool { return v.Kind == KindNone }

func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindString:
		return v.Str
	case KindTokens:
		return strings.Join(v.Tokens, " ")
	default:
		return ""
	}
}

// Equal compares two values of the same kind. Strings compare case-insensitively.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindString:
		return strings.EqualFold(v.Str, o.Str)
	case KindTokens:
		if len(v.Tokens) != len(o.Tokens) {
			return false
		}
		for i := range v.Tokens {
			if !strings.EqualFold(v.Tokens[i], o.Tokens[i]) {
				return false
			}
		}
		return true
	}
	return true
}

// HasToken reports whether a token value contains tok, ignoring case.
func (v Value) HasToken(tok string) bool {
	for _, t := range v.Tokens {
		if strings.EqualFold(t, tok) {
			return true
		}
	}
	return false
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindString:
		return json.Marshal(v.Str)
	case KindTokens:
		return json.Marshal(v.Tokens)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalYAML infers the kind from the node tag: numbers, booleans,
// strings and sequences of strings.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var toks []string
		if err := node.Decode(&toks); err != nil {
			return err
		}
		*v = Tokens(toks...)
		return nil
	case yaml.ScalarNode:
	default:
		return fmt.Errorf("line %d: feature value must be a scalar or a list", node.Line)
	}
	switch node.ShortTag() {
	case "!!int", "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return err
		}
		*v = Num(f)
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		*v = Bool(b)
	default:
		*v = Str(node.Value)
	}
	return nil
}

// FeatureVector maps feature names to observed values for one target.
type FeatureVector map[string]Value

func (fv FeatureVector) SetNum(name string, v float64) { fv[name] = Num(v) }
func (fv FeatureVector) SetBool(name string, v bool)   { fv[name] = Bool(v) }
func (fv FeatureVector) SetStr(name string, v string)  { fv[name] = Str(v) }
func (fv FeatureVector) SetTokens(name string, v []string) {
	fv[name] = Tokens(v...)
}

// Get returns the value for name and whether it was observed.
func (fv FeatureVector) Get(name string) (Value, bool) {
	v, ok := fv[name]
	return v, ok && !v.IsZero()
}

// Merge copies every feature of o into fv, overwriting duplicates.
func (fv FeatureVector) Merge(o FeatureVector) {
	for k, v := range o {
		fv[k] = v
	}
}

// Names returns the observed feature names sorted.
func (fv FeatureVector) Names() []string {
	out := make([]string, 0, len(fv))
	for k, v := range fv {
		if !v.IsZero() {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Tokenize lower-cases text and splits it on anything that is not a letter,
// digit or dot. Duplicates are dropped, first occurrence order is kept.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.':
			return false
		}
		return true
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".")
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
