package zerofun

import "encoding/binary"

// Type is the one-byte wire tag identifying a message kind. Values follow
// original_source/zerofun/sockets.py's Type enum.
type Type byte

const (
	TypePing   Type = 0x01
	TypePong   Type = 0x02
	TypeCall   Type = 0x03
	TypeResult Type = 0x04
	TypeError  Type = 0x05
)

func (t Type) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeCall:
		return "CALL"
	case TypeResult:
		return "RESULT"
	case TypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (t Type) valid() bool {
	switch t {
	case TypePing, TypePong, TypeCall, TypeResult, TypeError:
		return true
	default:
		return false
	}
}

func encodeRID(rid uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, rid)
	return buf
}

func decodeRID(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// encodeMessage builds the frame list for a message of the given type.
// extra holds the type-specific frames following the rid frame: [name,
// payload...] for CALL, [payload...] for RESULT, [text] for ERROR, none
// for PING/PONG.
func encodeMessage(typ Type, rid uint64, extra ...[]byte) [][]byte {
	frames := make([][]byte, 0, 2+len(extra))
	frames = append(frames, []byte{byte(typ)}, encodeRID(rid))
	frames = append(frames, extra...)
	return frames
}

// decodeMessage splits a received frame list into its type, rid and the
// remaining type-specific frames. It returns ProtocolError for an unknown
// type byte and InvalidPayload if the frame list is too short to contain
// at least a type and a rid.
func decodeMessage(frames [][]byte) (Type, uint64, [][]byte, error) {
	if len(frames) < 2 {
		return 0, 0, nil, &InvalidPayload{Reason: "message has fewer than 2 frames"}
	}
	if len(frames[0]) != 1 {
		return 0, 0, nil, &InvalidPayload{Reason: "type frame must be 1 byte"}
	}
	typ := Type(frames[0][0])
	if !typ.valid() {
		return 0, 0, nil, &ProtocolError{Type: typ}
	}
	if len(frames[1]) != 8 {
		return 0, 0, nil, &InvalidPayload{Reason: "rid frame must be 8 bytes"}
	}
	rid := decodeRID(frames[1])
	return typ, rid, frames[2:], nil
}
