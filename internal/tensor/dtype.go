// Package tensor provides the core tensor types for the borncore execution engine.
package tensor

// DataType is the runtime element type of a tensor.
type DataType int

// Element types.
const (
	Float32 DataType = iota
	Float64
	Float16
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Bool
)

type dtypeInfo struct {
	name    string
	size    int
	isFloat bool
}

var dtypes = [...]dtypeInfo{
	Float32: {"float32", 4, true},
	Float64: {"float64", 8, true},
	Float16: {"float16", 2, true},
	Int8:    {"int8", 1, false},
	Int16:   {"int16", 2, false},
	Int32:   {"int32", 4, false},
	Int64:   {"int64", 8, false},
	Uint8:   {"uint8", 1, false},
	Uint16:  {"uint16", 2, false},
	Bool:    {"bool", 1, false},
}

func (dt DataType) valid() bool {
	return dt >= 0 && int(dt) < len(dtypes)
}

// Size returns the byte size of one element. Panics for unknown types.
func (dt DataType) Size() int {
	if !dt.valid() {
		panic("unknown data type")
	}
	return dtypes[dt].size
}

// IsFloat reports whether the type is a floating point type.
func (dt DataType) IsFloat() bool {
	return dt.valid() && dtypes[dt].isFloat
}

// String returns the type name used in configs and error messages.
func (dt DataType) String() string {
	if !dt.valid() {
		return "unknown"
	}
	return dtypes[dt].name
}

// ParseDataType converts a name produced by String back into a DataType.
func ParseDataType(name string) (DataType, bool) {
	for dt := range dtypes {
		if dtypes[dt].name == name {
			return DataType(dt), true
		}
	}
	return 0, false
}
