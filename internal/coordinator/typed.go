package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// IntValue is the three-way result of reading a decimal-integer key: either
// the key held a valid integer, was absent, or held a non-numeric value.
// Per spec §9 ("dynamic polymorphism over coordinator values"), callers
// must handle all three — there is no silent zero-value fallback baked
// into the read itself.
type IntValue struct {
	kind  intKind
	value int
	raw   string
}

type intKind int

const (
	intAbsent intKind = iota
	intPresent
	intInvalid
)

// Present reports whether the key held a valid integer, and if so its value.
func (v IntValue) Present() (int, bool) {
	if v.kind == intPresent {
		return v.value, true
	}
	return 0, false
}

// IsAbsent reports whether the key did not exist.
func (v IntValue) IsAbsent() bool { return v.kind == intAbsent }

// IsInvalid reports whether the key held a non-numeric value, returning it raw.
func (v IntValue) IsInvalid() (string, bool) {
	if v.kind == intInvalid {
		return v.raw, true
	}
	return "", false
}

// GetInt reads key and classifies it as Present/Absent/Invalid.
func GetInt(ctx context.Context, c Client, key string) (IntValue, error) {
	raw, err := c.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return IntValue{kind: intAbsent}, nil
	}
	if err != nil {
		return IntValue{}, err
	}
	n, perr := strconv.Atoi(raw)
	if perr != nil {
		return IntValue{kind: intInvalid, raw: raw}, nil
	}
	return IntValue{kind: intPresent, value: n}, nil
}

// SetInt writes an integer key as its decimal string form.
func SetInt(ctx context.Context, c Client, key string, value int) error {
	return c.Set(ctx, key, strconv.Itoa(value))
}

// FlagValue is the three-way result of reading a "1"/"0" boolean flag key.
type FlagValue struct {
	kind  intKind
	value bool
	raw   string
}

// Present reports whether the flag key existed, and if so its boolean value.
// Any value other than "1" is treated as false but still Present; flags
// have no Invalid classification.
func (v FlagValue) Present() (bool, bool) {
	if v.kind == intPresent {
		return v.value, true
	}
	return false, false
}

// IsAbsent reports whether the flag key did not exist.
func (v FlagValue) IsAbsent() bool { return v.kind == intAbsent }

// GetFlag reads a "1"/"0" flag key. Anything other than an absent key is
// Present; the value is true iff the raw string is exactly "1".
func GetFlag(ctx context.Context, c Client, key string) (FlagValue, error) {
	raw, err := c.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return FlagValue{kind: intAbsent}, nil
	}
	if err != nil {
		return FlagValue{}, err
	}
	return FlagValue{kind: intPresent, value: raw == "1", raw: raw}, nil
}

// SetFlag writes a "1"/"0" flag key.
func SetFlag(ctx context.Context, c Client, key string, on bool) error {
	if on {
		return c.Set(ctx, key, "1")
	}
	return c.Set(ctx, key, "0")
}

// JSONResult classifies a JSON-valued key read.
type JSONResult int

// The three outcomes of GetJSON.
const (
	JSONAbsent JSONResult = iota
	JSONPresent
	JSONInvalid
)

// GetJSON reads key and unmarshals its value into out. Out is untouched
// when the key is absent or holds malformed JSON; a well-formed value of
// the wrong JSON type yields JSONInvalid and may leave out partly filled.
func GetJSON(ctx context.Context, c Client, key string, out any) (JSONResult, error) {
	raw, err := c.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return JSONAbsent, nil
	}
	if err != nil {
		return JSONAbsent, err
	}
	if jerr := json.Unmarshal([]byte(raw), out); jerr != nil {
		return JSONInvalid, nil
	}
	return JSONPresent, nil
}

// SetJSON writes v's JSON encoding to key.
func SetJSON(ctx context.Context, c Client, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, string(raw))
}
