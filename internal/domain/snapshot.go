package domain

import (
	"encoding/json"
	"fmt"
	"hash/adler32"
	"reflect"
)

// Snapshot stores one full document state as a JSON object.
type Snapshot map[string]any

// NormalizeSnapshot round-trips a snapshot through JSON so values compare the same
// way before and after persistence.
func NormalizeSnapshot(s Snapshot) (Snapshot, error) {
	if s == nil {
		return nil, ErrInvalidSnapshot
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return DecodeSnapshot(raw)
}

// DecodeSnapshot parses a JSON object into a snapshot.
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	out := Snapshot{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if out == nil {
		return nil, ErrInvalidSnapshot
	}
	return out, nil
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out, err := NormalizeSnapshot(s)
	if err != nil {
		shallow := make(Snapshot, len(s))
		for k, v := range s {
			shallow[k] = v
		}
		return shallow
	}
	return out
}

// Canonical returns the sorted-key JSON encoding.
func (s Snapshot) Canonical() ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s)
}

// Checksum returns the rolling Adler-32 checksum of the canonical encoding.
// It detects accidental corruption only.
func (s Snapshot) Checksum() string {
	raw, err := s.Canonical()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%08x", adler32.Checksum(raw))
}

// Field returns one top-level value and whether it is present.
func (s Snapshot) Field(name string) (any, bool) {
	v, ok := s[name]
	return v, ok
}

// FieldsEqual reports whether two optional field values are equal, treating absence as a value.
func FieldsEqual(a any, aOK bool, b any, bOK bool) bool {
	if aOK != bOK {
		return false
	}
	if !aOK {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// Equal reports deep equality of two snapshots.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}
