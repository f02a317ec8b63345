// tensor.go - Tensor-Interface und Host-Implementierung
//
// Dieses Modul definiert die Schnittstelle fuer Cache-Tensoren:
// - Tensor: Dimensionen, Strides und roher Byte-Zugriff
// - HostTensor: zusammenhaengender Host-Puffer mit Zeilen-Stride
package ml

// Tensor is the view of a KV cache tensor that the tiering layer needs:
// dimensions, byte strides and raw access to the backing storage.
//
// The backing bytes are borrowed. Their lifetime is bounded by the
// enclosing graph execution; callers must copy data out rather than
// retain the slice.
type Tensor interface {
	// Dim returns the size of dimension n. Dimension 0 is innermost
	// (fastest varying), matching the backend tensor layout.
	Dim(n int) int

	// Stride returns the distance in bytes between consecutive
	// elements of dimension n.
	Stride(n int) int

	Shape() []int
	DType() DType

	// Bytes returns the backing storage. Its length equals
	// Stride(len(shape)-1) * Dim(len(shape)-1) for contiguous tensors.
	Bytes() []byte
}

// HostTensor is a contiguous host-memory tensor. It backs the KV cache
// tensors that the cache wrapper snapshots and restores.
type HostTensor struct {
	dtype   DType
	dims    []int
	strides []int
	data    []byte
}

// NewHostTensor allocates a zeroed contiguous tensor with the given
// shape. Dimension 0 is innermost.
func NewHostTensor(dtype DType, shape ...int) *HostTensor {
	strides := make([]int, len(shape))
	size := dtype.ElemBytes()
	for i, dim := range shape {
		strides[i] = size
		size *= dim
	}

	return &HostTensor{
		dtype:   dtype,
		dims:    append([]int(nil), shape...),
		strides: strides,
		data:    make([]byte, size),
	}
}

func (t *HostTensor) Dim(n int) int    { return t.dims[n] }
func (t *HostTensor) Stride(n int) int { return t.strides[n] }
func (t *HostTensor) Shape() []int     { return append([]int(nil), t.dims...) }
func (t *HostTensor) DType() DType     { return t.dtype }
func (t *HostTensor) Bytes() []byte    { return t.data }

// Row returns the byte slice for one slot along the outermost
// dimension (one cache cell for KV tensors of shape
// [headDim, kvHeads, cells]).
func (t *HostTensor) Row(i int) []byte {
	rowSize := t.strides[len(t.strides)-1]
	return t.data[i*rowSize : (i+1)*rowSize]
}
