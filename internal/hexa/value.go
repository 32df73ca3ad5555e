package hexa

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/zeebo/xxh3"
)

type ColumnKind int

const (
	Null ColumnKind = iota
	Boolean
	Int4
	Int8
	Float8
	Varchar
	Bytes
	Decimal
)

func (k ColumnKind) String() string {
	switch k {
	case Null:
		return "null"
	case Boolean:
		return "boolean"
	case Int4:
		return "int4"
	case Int8:
		return "int8"
	case Float8:
		return "float8"
	case Varchar:
		return "varchar"
	case Bytes:
		return "bytes"
	case Decimal:
		return "decimal"
	default:
		return "unknown"
	}
}

// HasTotalOrdering reports whether comparing two values of this kind for
// equality is the same as comparing their in-memory representation. Decimal
// values can compare equal while differing in scale (1.0 vs 1.00), so they
// cannot be used directly as map keys.
func (k ColumnKind) HasTotalOrdering() bool {
	return k != Decimal
}

type Column struct {
	Kind     ColumnKind
	Size     uint32
	Name     string
	Nullable bool
}

// DecimalValue is an exact numeric with explicit scale. Two decimals can be
// numerically equal while their (Unscaled, Scale) pairs differ.
type DecimalValue struct {
	Unscaled int64
	Scale    int32
}

func (d DecimalValue) Float() float64 {
	return float64(d.Unscaled) / math.Pow10(int(d.Scale))
}

func (d DecimalValue) String() string {
	return strconv.FormatFloat(d.Float(), 'f', -1, 64)
}

type OptionalValue struct {
	Value any
	Valid bool
}

// LobPointer references a large value moved out of line into a page
// stream. The pointed-at bytes are materialized through the owning index.
type LobPointer struct {
	Trunk  int32
	LogKey int64
	Length int64
}

// compareValues orders two non-null values of the same kind. Mixed numeric
// kinds are compared on their widened representation.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case int32:
		return compareInt64(int64(av), asInt64(b))
	case int64:
		return compareInt64(av, asInt64(b))
	case float64:
		bv := asFloat64(b)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case string:
		return bytes.Compare([]byte(av), []byte(b.(string)))
	case []byte:
		return bytes.Compare(av, b.([]byte))
	case DecimalValue:
		bv := b.(DecimalValue)
		af, bf := av.Float(), bv.Float()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	default:
		panic(fmt.Sprintf("cannot compare values of type %T", a))
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		panic(fmt.Sprintf("cannot convert %T to int64", v))
	}
}

func asFloat64(v any) float64 {
	switch n := v.(type) {
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case DecimalValue:
		return n.Float()
	default:
		panic(fmt.Sprintf("cannot convert %T to float64", v))
	}
}

// coerceValue converts a probe value to the column's declared kind so index
// lookups compare like with like.
func coerceValue(aColumn Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch aColumn.Kind {
	case Boolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %T to boolean", v)
		}
		return b, nil
	case Int4:
		switch n := v.(type) {
		case int32:
			return n, nil
		case int64:
			return int32(n), nil
		case float64:
			return int32(n), nil
		}
	case Int8:
		switch n := v.(type) {
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		}
	case Float8:
		switch n := v.(type) {
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		case DecimalValue:
			return n.Float(), nil
		}
	case Varchar:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %T to varchar", v)
		}
		return s, nil
	case Bytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %T to bytes", v)
		}
		return b, nil
	case Decimal:
		switch n := v.(type) {
		case DecimalValue:
			return n, nil
		case int64:
			return DecimalValue{Unscaled: n}, nil
		case int32:
			return DecimalValue{Unscaled: int64(n)}, nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, aColumn.Kind)
}

// hashKey normalizes a value into something usable as a Go map key. Byte
// slices are not comparable so they hash through xxh3.
func hashKey(v any) any {
	if b, ok := v.([]byte); ok {
		return xxh3.Hash(b)
	}
	return v
}
