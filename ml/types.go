// types.go - Datentypen und Konstanten fuer KV-Tensoren
// Dieses Modul definiert grundlegende Typen wie DType fuer Cache-Daten.
package ml

import "fmt"

// DType represents the data type of tensor elements.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
)

// ElemBytes returns the storage size of one element.
func (t DType) ElemBytes() int {
	switch t {
	case DTypeF32:
		return 4
	case DTypeF16:
		return 2
	default:
		return 0
	}
}

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	default:
		return "other"
	}
}

// ParseDType maps a serialized dtype tag back to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32":
		return DTypeF32, nil
	case "f16":
		return DTypeF16, nil
	default:
		return DTypeOther, fmt.Errorf("ml: unknown dtype %q", s)
	}
}
