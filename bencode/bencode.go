// Package bencode implements the bencode codec used by BitTorrent
// metainfo files and tracker responses: integers, byte strings, lists
// and dictionaries, preserved byte-for-byte on round trip.
package bencode

import (
	"fmt"
	"sort"
)

// Kind identifies why decoding or encoding failed.
type Kind int

const (
	KindUnexpectedEOF Kind = iota
	KindBadInteger
	KindBadStringLength
	KindUnterminatedList
	KindUnterminatedDict
	KindNonStringKey
	KindUnknownLeadByte
	KindTrailingBytes
	KindDuplicateKey
)

func (k Kind) String() string {
	switch k {
	case KindUnexpectedEOF:
		return "unexpected EOF"
	case KindBadInteger:
		return "malformed integer"
	case KindBadStringLength:
		return "malformed string length"
	case KindUnterminatedList:
		return "unterminated list"
	case KindUnterminatedDict:
		return "unterminated dict"
	case KindNonStringKey:
		return "non-string dict key"
	case KindUnknownLeadByte:
		return "unknown lead byte"
	case KindTrailingBytes:
		return "trailing bytes at top level"
	case KindDuplicateKey:
		return "duplicate dict key"
	default:
		return "bencode error"
	}
}

// Error reports a bencode decode or encode failure.
type Error struct {
	Kind Kind
	Pos  int
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("bencode: %s at offset %d: %s", e.Kind, e.Pos, e.Msg)
	}
	return fmt.Sprintf("bencode: %s at offset %d", e.Kind, e.Pos)
}

func newErr(kind Kind, pos int, msg string) *Error {
	return &Error{Kind: kind, Pos: pos, Msg: msg}
}

// Type tags the kind of value a Value holds.
type Type int

const (
	TypeInt Type = iota
	TypeBytes
	TypeList
	TypeDict
)

// KV is one key/value entry of a Dict, in original or sorted order
// depending on where the Dict came from.
type KV struct {
	Key   []byte
	Value Value
}

// Value is a bencode value: exactly one of Int, Bytes, List or Dict is
// meaningful, selected by Type.
type Value struct {
	Type  Type
	Int   int64
	Bytes []byte
	List  []Value
	Dict  []KV
}

// Int64 builds an integer Value.
func Int64(n int64) Value { return Value{Type: TypeInt, Int: n} }

// Str builds a byte-string Value from a Go string.
func Str(s string) Value { return Value{Type: TypeBytes, Bytes: []byte(s)} }

// Bstr builds a byte-string Value from raw bytes.
func Bstr(b []byte) Value { return Value{Type: TypeBytes, Bytes: b} }

// Lst builds a list Value.
func Lst(vs ...Value) Value { return Value{Type: TypeList, List: vs} }

// Dct builds a dictionary Value from key/value pairs; keys need not be
// pre-sorted, Encode sorts them.
func Dct(kv ...KV) Value { return Value{Type: TypeDict, Dict: kv} }

// Get returns the value for key in a Dict, and whether it was present.
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.Dict {
		if string(e.Key) == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Decode parses one bencode value from the front of b and returns the
// unconsumed tail.
func Decode(b []byte) (Value, []byte, error) {
	return decodeAt(b, 0)
}

// DecodeFull parses one bencode value and fails if any bytes remain
// after it.
func DecodeFull(b []byte) (Value, error) {
	v, rest, err := Decode(b)
	if err != nil {
		return Value{}, err
	}
	if len(rest) != 0 {
		return Value{}, newErr(KindTrailingBytes, len(b)-len(rest), "")
	}
	return v, nil
}

func decodeAt(b []byte, base int) (Value, []byte, error) {
	if len(b) == 0 {
		return Value{}, nil, newErr(KindUnexpectedEOF, base, "")
	}

	switch {
	case b[0] == 'i':
		return decodeInt(b, base)
	case b[0] >= '0' && b[0] <= '9':
		return decodeString(b, base)
	case b[0] == 'l':
		return decodeList(b, base)
	case b[0] == 'd':
		return decodeDict(b, base)
	default:
		return Value{}, nil, newErr(KindUnknownLeadByte, base, fmt.Sprintf("byte %q", b[0]))
	}
}

func decodeInt(b []byte, base int) (Value, []byte, error) {
	end := indexByte(b, 'e')
	if end < 0 {
		return Value{}, nil, newErr(KindBadInteger, base, "missing terminator")
	}
	digits := b[1:end]
	if !validIntegerBody(digits) {
		return Value{}, nil, newErr(KindBadInteger, base, fmt.Sprintf("%q", digits))
	}
	var n int64
	neg := false
	for i, c := range digits {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return Value{Type: TypeInt, Int: n}, b[end+1:], nil
}

// validIntegerBody rejects "-0", any leading zero other than the bare
// "0" itself, and anything non-numeric.
func validIntegerBody(d []byte) bool {
	if len(d) == 0 {
		return false
	}
	i := 0
	if d[0] == '-' {
		i = 1
		if len(d) == 1 {
			return false
		}
	}
	if d[i] == '0' && len(d)-i > 1 {
		return false
	}
	if d[i] == '0' && i == 1 {
		// "-0" is not canonical.
		return false
	}
	for ; i < len(d); i++ {
		if d[i] < '0' || d[i] > '9' {
			return false
		}
	}
	return true
}

func decodeString(b []byte, base int) (Value, []byte, error) {
	colon := indexByte(b, ':')
	if colon < 0 {
		return Value{}, nil, newErr(KindBadStringLength, base, "missing ':'")
	}
	lenDigits := b[:colon]
	for _, c := range lenDigits {
		if c < '0' || c > '9' {
			return Value{}, nil, newErr(KindBadStringLength, base, fmt.Sprintf("%q", lenDigits))
		}
	}
	var n int
	for _, c := range lenDigits {
		n = n*10 + int(c-'0')
	}
	start := colon + 1
	if start+n > len(b) {
		return Value{}, nil, newErr(KindUnexpectedEOF, base, "string shorter than declared length")
	}
	return Value{Type: TypeBytes, Bytes: b[start : start+n]}, b[start+n:], nil
}

func decodeList(b []byte, base int) (Value, []byte, error) {
	rest := b[1:]
	pos := base + 1
	var items []Value
	for {
		if len(rest) == 0 {
			return Value{}, nil, newErr(KindUnterminatedList, base, "")
		}
		if rest[0] == 'e' {
			return Value{Type: TypeList, List: items}, rest[1:], nil
		}
		v, tail, err := decodeAt(rest, pos)
		if err != nil {
			return Value{}, nil, err
		}
		pos += len(rest) - len(tail)
		items = append(items, v)
		rest = tail
	}
}

func decodeDict(b []byte, base int) (Value, []byte, error) {
	rest := b[1:]
	pos := base + 1
	var entries []KV
	seen := make(map[string]bool)
	for {
		if len(rest) == 0 {
			return Value{}, nil, newErr(KindUnterminatedDict, base, "")
		}
		if rest[0] == 'e' {
			return Value{Type: TypeDict, Dict: entries}, rest[1:], nil
		}
		if rest[0] < '0' || rest[0] > '9' {
			return Value{}, nil, newErr(KindNonStringKey, pos, "")
		}
		key, tail, err := decodeString(rest, pos)
		if err != nil {
			return Value{}, nil, err
		}
		pos += len(rest) - len(tail)
		rest = tail

		val, tail2, err := decodeAt(rest, pos)
		if err != nil {
			return Value{}, nil, err
		}
		pos += len(rest) - len(tail2)
		rest = tail2

		k := string(key.Bytes)
		if seen[k] {
			return Value{}, nil, newErr(KindDuplicateKey, pos, k)
		}
		seen[k] = true
		entries = append(entries, KV{Key: key.Bytes, Value: val})
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// Encode serializes v, sorting dictionary keys lexicographically by
// raw bytes and failing on duplicate keys.
func Encode(v Value) ([]byte, error) {
	var buf []byte
	buf, err := appendValue(buf, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendValue(buf []byte, v Value) ([]byte, error) {
	switch v.Type {
	case TypeInt:
		buf = append(buf, 'i')
		buf = append(buf, fmt.Sprintf("%d", v.Int)...)
		buf = append(buf, 'e')
		return buf, nil
	case TypeBytes:
		buf = append(buf, fmt.Sprintf("%d:", len(v.Bytes))...)
		buf = append(buf, v.Bytes...)
		return buf, nil
	case TypeList:
		buf = append(buf, 'l')
		for _, item := range v.List {
			var err error
			buf, err = appendValue(buf, item)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, 'e')
		return buf, nil
	case TypeDict:
		entries := make([]KV, len(v.Dict))
		copy(entries, v.Dict)
		sort.Slice(entries, func(i, j int) bool {
			return string(entries[i].Key) < string(entries[j].Key)
		})
		for i := 1; i < len(entries); i++ {
			if string(entries[i].Key) == string(entries[i-1].Key) {
				return nil, newErr(KindDuplicateKey, 0, string(entries[i].Key))
			}
		}
		buf = append(buf, 'd')
		for _, e := range entries {
			var err error
			buf, err = appendValue(buf, Value{Type: TypeBytes, Bytes: e.Key})
			if err != nil {
				return nil, err
			}
			buf, err = appendValue(buf, e.Value)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, 'e')
		return buf, nil
	default:
		return nil, fmt.Errorf("bencode: unknown value type %d", v.Type)
	}
}
