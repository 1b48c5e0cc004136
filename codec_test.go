package zerofun

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func mustArray(t *testing.T, dtype DType, shape []int, data []byte) *Array {
	t.Helper()
	arr, err := NewArray(dtype, shape, data)
	require.NoError(t, err)
	return arr
}

func TestCodecRoundTripLeaf(t *testing.T) {
	in := mustArray(t, Float32, []int{2, 2}, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	payload, err := Pack(in)
	require.NoError(t, err)
	require.Len(t, payload, 2) // meta frame + one leaf

	out, err := Unpack(payload)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(Value(in), out))
}

func TestCodecRoundTripNestedTree(t *testing.T) {
	in := Map{
		{Key: "obs", Value: mustArray(t, Uint8, []int{3}, []byte{1, 2, 3})},
		{Key: "actions", Value: List{
			mustArray(t, Int32, []int{1}, []byte{0, 0, 0, 1}),
			mustArray(t, Int32, []int{1}, []byte{0, 0, 0, 2}),
		}},
	}
	payload, err := Pack(in)
	require.NoError(t, err)
	require.Len(t, payload, 4) // meta + 3 leaves

	out, err := Unpack(payload)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(in, out))
}

func TestCodecRejectsMismatchedBufferLength(t *testing.T) {
	_, err := NewArray(Float32, []int{2, 2}, []byte{0, 1, 2, 3})
	require.Error(t, err)
	var invalid *InvalidPayload
	require.ErrorAs(t, err, &invalid)
}

func TestCodecRejectsEmptyPayload(t *testing.T) {
	_, err := Unpack(nil)
	require.Error(t, err)
}

func TestCodecRejectsLeafCountMismatch(t *testing.T) {
	in := mustArray(t, Float64, []int{1}, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	payload, err := Pack(in)
	require.NoError(t, err)
	payload = append(payload, []byte{9, 9}) // extra, unexplained leaf frame

	_, err = Unpack(payload)
	require.Error(t, err)
}
