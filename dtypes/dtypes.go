// Package dtypes enumerates the element types that can cross the host/device boundary
// with gocuda's typed transfer helpers.
//
// Device memory itself is untyped bytes; a DType only describes how the host side
// interprets them.
package dtypes

import (
	"reflect"

	"github.com/x448/float16"
)

// DType is the element type of the host-side values of a typed transfer.
type DType int

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota

	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
	Complex64
	Complex128
)

// Supported lists the Go types that have a corresponding DType and can be used with
// the generic transfer functions.
type Supported interface {
	bool | int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 |
		float16.Float16 | float32 | float64 |
		complex64 | complex128
}

var dtypeNames = [...]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	Complex64:    "Complex64",
	Complex128:   "Complex128",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(dtypeNames) {
		return "DType(?)"
	}
	return dtypeNames[dtype]
}

var dtypeSizes = [...]int{
	Bool:       1,
	Int8:       1,
	Int16:      2,
	Int32:      4,
	Int64:      8,
	Uint8:      1,
	Uint16:     2,
	Uint32:     4,
	Uint64:     8,
	Float16:    2,
	Float32:    4,
	Float64:    8,
	Complex64:  8,
	Complex128: 16,
}

// Size returns the size in bytes of one element of the given dtype.
// It returns 0 for InvalidDType.
func (dtype DType) Size() int {
	if dtype <= InvalidDType || int(dtype) >= len(dtypeSizes) {
		return 0
	}
	return dtypeSizes[dtype]
}

// float16.Float16 is defined as a uint16, so it has to be told apart from uint16 by
// type identity, not reflect.Kind.
var float16Type = reflect.TypeOf(float16.Float16(0))

var goTypes = map[DType]reflect.Type{
	Bool:       reflect.TypeOf(false),
	Int8:       reflect.TypeOf(int8(0)),
	Int16:      reflect.TypeOf(int16(0)),
	Int32:      reflect.TypeOf(int32(0)),
	Int64:      reflect.TypeOf(int64(0)),
	Uint8:      reflect.TypeOf(uint8(0)),
	Uint16:     reflect.TypeOf(uint16(0)),
	Uint32:     reflect.TypeOf(uint32(0)),
	Uint64:     reflect.TypeOf(uint64(0)),
	Float16:    float16Type,
	Float32:    reflect.TypeOf(float32(0)),
	Float64:    reflect.TypeOf(float64(0)),
	Complex64:  reflect.TypeOf(complex64(0)),
	Complex128: reflect.TypeOf(complex128(0)),
}

// GoType returns the reflect.Type of the Go type corresponding to the dtype, or nil
// for InvalidDType.
func (dtype DType) GoType() reflect.Type {
	return goTypes[dtype]
}

// FromGoType returns the DType corresponding to the given Go type, or InvalidDType if
// there is none.
func FromGoType(t reflect.Type) DType {
	if t == float16Type {
		return Float16
	}
	switch t.Kind() {
	case reflect.Bool:
		return Bool
	case reflect.Int8:
		return Int8
	case reflect.Int16:
		return Int16
	case reflect.Int32:
		return Int32
	case reflect.Int64:
		return Int64
	case reflect.Uint8:
		return Uint8
	case reflect.Uint16:
		return Uint16
	case reflect.Uint32:
		return Uint32
	case reflect.Uint64:
		return Uint64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	case reflect.Complex64:
		return Complex64
	case reflect.Complex128:
		return Complex128
	default:
		return InvalidDType
	}
}

// FromGenericsType returns the DType for the type parameter T.
func FromGenericsType[T Supported]() DType {
	var value T
	return FromGoType(reflect.TypeOf(value))
}
