package zerofun

import (
	"github.com/vmihailenco/msgpack/v5"
)

// wireMeta is the msgpack-encoded tuple (structure, dtypes, shapes) that
// forms payload frame 0, as fixed by spec.md section 6. The unexported
// _msgpack marker switches vmihailenco/msgpack to positional array
// encoding instead of its default map encoding, so the wire layout is a
// 3-element array exactly like the Python tuple it mirrors.
type wireMeta struct {
	_msgpack  struct{}    `msgpack:",as_array"`
	Structure interface{} `msgpack:"structure"`
	Dtypes    []string    `msgpack:"dtypes"`
	Shapes    [][]int     `msgpack:"shapes"`
}

// Pack flattens a tensor tree into payload frames: one msgpack-encoded meta
// frame followed by the leaves' raw buffers in flatten order. See spec.md
// section 4.1.
func Pack(tree Value) ([][]byte, error) {
	leaves, structure, err := flatten(tree)
	if err != nil {
		return nil, err
	}
	meta := wireMeta{
		Structure: structure,
		Dtypes:    make([]string, len(leaves)),
		Shapes:    make([][]int, len(leaves)),
	}
	buffers := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		meta.Dtypes[i] = string(leaf.DType)
		meta.Shapes[i] = leaf.Shape
		buffers[i] = leaf.Data
	}
	metaBytes, err := msgpack.Marshal(&meta)
	if err != nil {
		return nil, &InvalidPayload{Reason: "encoding meta frame: " + err.Error()}
	}
	payload := make([][]byte, 0, 1+len(buffers))
	payload = append(payload, metaBytes)
	payload = append(payload, buffers...)
	return payload, nil
}

// Unpack is the inverse of Pack: it reconstructs the tensor tree from
// payload frames, sharing the frames' underlying byte slices as each leaf's
// buffer rather than copying.
func Unpack(payload [][]byte) (Value, error) {
	if len(payload) == 0 {
		return nil, &InvalidPayload{Reason: "payload must carry at least one frame"}
	}
	var meta wireMeta
	if err := msgpack.Unmarshal(payload[0], &meta); err != nil {
		return nil, &InvalidPayload{Reason: "decoding meta frame: " + err.Error()}
	}
	buffers := payload[1:]
	if len(buffers) != len(meta.Dtypes) || len(buffers) != len(meta.Shapes) {
		return nil, &InvalidPayload{Reason: "meta frame leaf count does not match buffer count"}
	}
	leaves := make([]*Array, len(buffers))
	for i, buf := range buffers {
		arr, err := NewArray(DType(meta.Dtypes[i]), meta.Shapes[i], buf)
		if err != nil {
			return nil, err
		}
		leaves[i] = arr
	}
	return unflatten(meta.Structure, leaves)
}
