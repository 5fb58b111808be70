// Package wire implements the 8-byte binary framing header used by the
// three-hop tunnel protocol (CLI <-> Host <-> Runner <-> container). See
// spec §4.8. The payload is not part of this package; it is whatever bytes
// follow the header within a single WebSocket message.
package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameType is the first header byte.
type FrameType uint8

const (
	TypeConnect   FrameType = 0x01
	TypeConnected FrameType = 0x02
	TypeData      FrameType = 0x03
	TypeClose     FrameType = 0x04
	TypeError     FrameType = 0x05
	TypePing      FrameType = 0x06
	TypePong      FrameType = 0x07
)

func (t FrameType) String() string {
	switch t {
	case TypeConnect:
		return "CONNECT"
	case TypeConnected:
		return "CONNECTED"
	case TypeData:
		return "DATA"
	case TypeClose:
		return "CLOSE"
	case TypeError:
		return "ERROR"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	default:
		return fmt.Sprintf("FrameType(0x%02x)", uint8(t))
	}
}

// Proto is the second header byte.
type Proto uint8

const (
	ProtoTCP Proto = 0x00
	ProtoUDP Proto = 0x01
)

// HeaderSize is the fixed length of the header in bytes.
const HeaderSize = 8

// Header is the decoded form of the 8-byte frame header.
type Header struct {
	Type     FrameType
	Proto    Proto
	ClientID uint32
	Port     uint16
}

// Marshal encodes h into an 8-byte big-endian header.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Proto)
	binary.BigEndian.PutUint32(buf[2:6], h.ClientID)
	binary.BigEndian.PutUint16(buf[6:8], h.Port)
	return buf
}

// Decode parses the first 8 bytes of buf as a Header. It rejects any input
// shorter than HeaderSize (spec §8 round-trip law).
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: got %d bytes, want %d", len(buf), HeaderSize)
	}
	return Header{
		Type:     FrameType(buf[0]),
		Proto:    Proto(buf[1]),
		ClientID: binary.BigEndian.Uint32(buf[2:6]),
		Port:     binary.BigEndian.Uint16(buf[6:8]),
	}, nil
}

// Frame is a decoded header plus its payload, as delivered within one
// WebSocket message boundary.
type Frame struct {
	Header  Header
	Payload []byte
}

// DecodeFrame splits a full WebSocket message into header and payload.
func DecodeFrame(msg []byte) (Frame, error) {
	h, err := Decode(msg)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: msg[HeaderSize:]}, nil
}

// Marshal encodes f as a single WebSocket message (header followed by payload).
func (f Frame) Marshal() []byte {
	out := make([]byte, 0, HeaderSize+len(f.Payload))
	out = append(out, f.Header.Marshal()...)
	out = append(out, f.Payload...)
	return out
}
