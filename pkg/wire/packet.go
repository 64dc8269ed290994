// Package wire implements the OpenSDG packet format: a 16-bit length prefix,
// a fixed magic, a 4-byte ASCII command and a command-specific body.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic identifies every packet on the wire.
	Magic uint32 = 0xF09D8C95

	// SizeFieldLen is the length of the leading size field.
	SizeFieldLen = 2

	// HeaderLen is the length of magic plus command, counted by the size field.
	HeaderLen = 8

	// MaxPacketSize is the largest value the size field can carry.
	MaxPacketSize = 0xFFFF

	// MaxBodySize is the largest command body.
	MaxBodySize = MaxPacketSize - HeaderLen
)

// Command is a 4-byte ASCII packet command.
type Command [4]byte

// Packet commands.
var (
	CmdTell    = Command{'T', 'E', 'L', 'L'}
	CmdWelcome = Command{'W', 'E', 'L', 'C'}
	CmdHello   = Command{'H', 'E', 'L', 'O'}
	CmdCookie  = Command{'C', 'O', 'O', 'K'}
	CmdVouch   = Command{'V', 'O', 'C', 'H'}
	CmdReady   = Command{'R', 'E', 'D', 'Y'}
	CmdMessage = Command{'M', 'E', 'S', 'G'}
	CmdForward = Command{'F', 'W', 'R', 'D'}
)

// String returns the command as text.
func (c Command) String() string {
	for _, b := range c {
		if b < 0x20 || b > 0x7e {
			return fmt.Sprintf("Command(%x)", c[:])
		}
	}
	return string(c[:])
}

// Errors returned while decoding packets.
var (
	// ErrBadMagic indicates the packet does not start with Magic.
	ErrBadMagic = errors.New("wire: bad packet magic")

	// ErrShortPacket indicates a packet shorter than its header.
	ErrShortPacket = errors.New("wire: packet too short")

	// ErrBodyTooLarge indicates a body that does not fit the size field.
	ErrBodyTooLarge = errors.New("wire: packet body too large")

	// ErrBadBody indicates a body with the wrong length for its command.
	ErrBadBody = errors.New("wire: malformed packet body")
)

// Packet is a decoded packet.
type Packet struct {
	Command Command
	Body    []byte
}

// Encode returns the full on-wire encoding of a packet.
func Encode(cmd Command, body []byte) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(body))
	}

	buf := make([]byte, SizeFieldLen+HeaderLen+len(body))
	binary.BigEndian.PutUint16(buf[0:2], uint16(HeaderLen+len(body)))
	binary.BigEndian.PutUint32(buf[2:6], Magic)
	copy(buf[6:10], cmd[:])
	copy(buf[10:], body)
	return buf, nil
}

// MustEncode is Encode for bodies whose size is known to be valid.
func MustEncode(cmd Command, body []byte) []byte {
	buf, err := Encode(cmd, body)
	if err != nil {
		panic(err)
	}
	return buf
}

// Decode parses the part of a packet following the size field.
// The returned body aliases data.
func Decode(data []byte) (Packet, error) {
	if len(data) < HeaderLen {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(data))
	}
	if m := binary.BigEndian.Uint32(data[0:4]); m != Magic {
		return Packet{}, fmt.Errorf("%w: %08x", ErrBadMagic, m)
	}

	var p Packet
	copy(p.Command[:], data[4:8])
	p.Body = data[8:]
	return p, nil
}
