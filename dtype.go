package zerofun

import "fmt"

// DType identifies the element type of an Array's raw buffer. Strings
// follow the byte-order-prefix convention fixed by spec.md section 6, e.g.
// "<f4" for little-endian float32.
type DType string

const (
	Bool    DType = "|b1"
	Int8    DType = "|i1"
	Int16   DType = "<i2"
	Int32   DType = "<i4"
	Int64   DType = "<i8"
	Uint8   DType = "|u1"
	Uint16  DType = "<u2"
	Uint32  DType = "<u4"
	Uint64  DType = "<u8"
	Float32 DType = "<f4"
	Float64 DType = "<f8"
)

// itemsize returns the per-element byte size of a dtype, or an error for
// an unrecognized string (there is no "object" dtype in this codec: Go
// Arrays are always backed by a concrete, contiguous, fixed-width buffer).
func (d DType) itemsize() (int, error) {
	switch d {
	case Bool, Int8, Uint8:
		return 1, nil
	case Int16, Uint16:
		return 2, nil
	case Int32, Uint32, Float32:
		return 4, nil
	case Int64, Uint64, Float64:
		return 8, nil
	default:
		return 0, fmt.Errorf("zerofun: unsupported dtype %q", d)
	}
}
