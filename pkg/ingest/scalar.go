// Package ingest implements the ingest buffer (spec §4.4): per-batch staging,
// scalar normalization, and batched writes with chunking and retry.
package ingest

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/squidstore/chstore/pkg/utils"
)

type scalarKind int

const (
	kindInt64 scalarKind = iota
	kindBigUint
	kindText
	kindTimestamp
	kindHex
	kindBool
)

// Scalar is a normalized row field, grounded on spec §9's recommended sum
// type: Int64 | BigUint(bytes) | Text | Timestamp | Hex(bytes).
type Scalar struct {
	kind scalarKind
	i64  int64
	big  *big.Int
	str  string
	ts   time.Time
	b    bool
}

// Int64 wraps a native integer column value; passes through unchanged.
func Int64(v int64) Scalar { return Scalar{kind: kindInt64, i64: v} }

// BigUint wraps a wide unsigned integer that must serialize as a decimal
// string rather than a native numeric, since the column stores the true
// width and text serializers must not be required to handle wide integers.
func BigUint(v *big.Int) Scalar { return Scalar{kind: kindBigUint, big: v} }

// Text wraps a plain string/sequence column value; passes through unchanged.
func Text(v string) Scalar { return Scalar{kind: kindText, str: v} }

// Timestamp wraps a time value normalized to ISO-8601 with a space
// separator and millisecond precision, no trailing zone indicator.
func Timestamp(v time.Time) Scalar { return Scalar{kind: kindTimestamp, ts: v} }

// Hex wraps a hex-encoded string. Declared "hex-bytes" fields strip a
// leading "0x" if present; an empty string stays empty.
func Hex(v string) Scalar { return Scalar{kind: kindHex, str: v} }

// Bool wraps a boolean column value, normalized to ClickHouse's UInt8
// convention on write.
func Bool(v bool) Scalar { return Scalar{kind: kindBool, b: v} }

const timestampLayout = "2006-01-02 15:04:05.000"

// FormatTimestamp renders t per spec §4.4's timestamp normalization rule.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// NormalizeHex strips a leading "0x"/"0X" prefix; empty input stays empty.
func NormalizeHex(v string) string {
	if v == "" {
		return ""
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		return v[2:]
	}
	return v
}

// raw returns the scalar's own string form, for use when a column's
// hex-bytes declaration overrides the scalar's own kind.
func (s Scalar) raw() (string, error) {
	switch s.kind {
	case kindText, kindHex:
		return s.str, nil
	default:
		return "", fmt.Errorf("scalar kind %d has no string representation for a hex-bytes column", s.kind)
	}
}

// Normalize returns the wire value appropriate for this scalar's own kind.
func (s Scalar) Normalize() (any, error) {
	switch s.kind {
	case kindInt64:
		return s.i64, nil
	case kindBigUint:
		if s.big == nil {
			return nil, fmt.Errorf("nil big.Int scalar")
		}
		return s.big.String(), nil
	case kindText:
		return s.str, nil
	case kindTimestamp:
		return FormatTimestamp(s.ts), nil
	case kindHex:
		return NormalizeHex(s.str), nil
	case kindBool:
		return utils.BoolToUInt8(s.b), nil
	default:
		return nil, fmt.Errorf("unknown scalar kind %d", s.kind)
	}
}
