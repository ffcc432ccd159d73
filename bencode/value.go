package bencode

import (
	"bytes"
	"sort"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInteger
	KindString
	KindList
	KindDict
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindDict:
		return "dictionary"
	}
	return "invalid"
}

// Value is a decoded bencode value. Exactly one of the payload fields is
// meaningful, selected by Kind. The zero Value is KindInvalid.
type Value struct {
	kind Kind
	num  int64
	str  []byte
	list []Value
	dict *Dict
}

func Int(n int64) Value { return Value{kind: KindInteger, num: n} }

// Bytes wraps b without copying.
func Bytes(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{kind: KindString, str: b}
}

func String(s string) Value { return Value{kind: KindString, str: []byte(s)} }

func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

func DictValue(d *Dict) Value {
	if d == nil {
		d = NewDict()
	}
	return Value{kind: KindDict, dict: d}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsInt() (int64, bool) { return v.num, v.kind == KindInteger }

func (v Value) AsBytes() ([]byte, bool) { return v.str, v.kind == KindString }

// AsString returns the byte string converted to a Go string.
func (v Value) AsString() (string, bool) { return string(v.str), v.kind == KindString }

func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

func (v Value) AsDict() (*Dict, bool) { return v.dict, v.kind == KindDict }

// Equal reports whether v and o hold the same variant and content.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInteger:
		return v.num == o.num
	case KindString:
		return bytes.Equal(v.str, o.str)
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if v.dict.Len() != o.dict.Len() {
			return false
		}
		for i, e := range v.dict.entries {
			oe := o.dict.entries[i]
			if e.Key != oe.Key || !e.Value.Equal(oe.Value) {
				return false
			}
		}
		return true
	}
	return true
}

// Entry is a single key/value pair of a Dict.
type Entry struct {
	Key   string
	Value Value
}

// Dict is a bencode dictionary. Entries are kept in ascending byte order
// of their keys at all times so encoding is a plain iteration.
type Dict struct {
	entries []Entry
}

func NewDict() *Dict { return &Dict{} }

func (d *Dict) search(key string) int {
	return sort.Search(len(d.entries), func(i int) bool {
		return d.entries[i].Key >= key
	})
}

// Set inserts or replaces the value stored under key.
func (d *Dict) Set(key string, v Value) {
	i := d.search(key)
	if i < len(d.entries) && d.entries[i].Key == key {
		d.entries[i].Value = v
		return
	}
	d.entries = append(d.entries, Entry{})
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = Entry{Key: key, Value: v}
}

// insert adds key and reports false if it was already present.
func (d *Dict) insert(key string, v Value) bool {
	n := len(d.entries)
	if n == 0 || d.entries[n-1].Key < key {
		d.entries = append(d.entries, Entry{Key: key, Value: v})
		return true
	}
	i := d.search(key)
	if i < n && d.entries[i].Key == key {
		return false
	}
	d.Set(key, v)
	return true
}

func (d *Dict) Get(key string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	i := d.search(key)
	if i < len(d.entries) && d.entries[i].Key == key {
		return d.entries[i].Value, true
	}
	return Value{}, false
}

func (d *Dict) Delete(key string) {
	i := d.search(key)
	if i < len(d.entries) && d.entries[i].Key == key {
		d.entries = append(d.entries[:i], d.entries[i+1:]...)
	}
}

func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

// Entries returns the entries in key order. The slice must not be modified.
func (d *Dict) Entries() []Entry {
	if d == nil {
		return nil
	}
	return d.entries
}

// Keys returns the keys in ascending byte order.
func (d *Dict) Keys() []string {
	keys := make([]string, 0, d.Len())
	for _, e := range d.Entries() {
		keys = append(keys, e.Key)
	}
	return keys
}
