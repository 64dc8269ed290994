// Package grid implements the messages exchanged with a grid server over an
// established channel, and the request bookkeeping of a grid client.
//
// Every message is one data frame: a type byte followed by the message
// fields in protobuf wire format.
package grid

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType identifies a grid message.
type MessageType uint8

// Grid message types.
const (
	TypeProtocolVersion  MessageType = 1
	TypeConnectToPeer    MessageType = 10
	TypePeerReply        MessageType = 11
	TypePairRemote       MessageType = 20
	TypePairingChallenge MessageType = 21
	TypePairingResponse  MessageType = 22
	TypePairingResult    MessageType = 23
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case TypeProtocolVersion:
		return "ProtocolVersion"
	case TypeConnectToPeer:
		return "ConnectToPeer"
	case TypePeerReply:
		return "PeerReply"
	case TypePairRemote:
		return "PairRemote"
	case TypePairingChallenge:
		return "PairingChallenge"
	case TypePairingResponse:
		return "PairingResponse"
	case TypePairingResult:
		return "PairingResult"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Protocol identification exchanged right after the grid handshake.
const (
	ProtocolMagic uint32 = 0x4F534447 // "OSDG"
	ProtocolMajor uint32 = 1
	ProtocolMinor uint32 = 0
)

var (
	// ErrMalformed indicates a message that cannot be parsed.
	ErrMalformed = errors.New("grid: malformed message")

	// ErrUnknownMessage indicates a message type this client does not know.
	ErrUnknownMessage = errors.New("grid: unknown message type")
)

// PeerResult is the outcome reported in PeerReply.
type PeerResult uint32

// Peer lookup outcomes.
const (
	PeerOK                  PeerResult = 0
	PeerUnreachable         PeerResult = 1
	PeerProtocolUnsupported PeerResult = 2
	PeerPairingRequired     PeerResult = 3
)

// String returns the outcome name.
func (r PeerResult) String() string {
	switch r {
	case PeerOK:
		return "OK"
	case PeerUnreachable:
		return "Unreachable"
	case PeerProtocolUnsupported:
		return "ProtocolUnsupported"
	case PeerPairingRequired:
		return "PairingRequired"
	default:
		return fmt.Sprintf("PeerResult(%d)", uint32(r))
	}
}

// PairResult is the outcome reported in PairingResult.
type PairResult uint32

// Pairing outcomes.
const (
	PairOK     PairResult = 0
	PairFailed PairResult = 1
)

// Message is a grid message.
type Message interface {
	Type() MessageType
	appendFields(b []byte) []byte
	setField(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error
}

// Request is a message that carries a request id.
type Request interface {
	Message
	RequestID() uint32
}

// ProtocolVersion announces the protocol spoken by each side.
type ProtocolVersion struct {
	Magic uint32
	Major uint32
	Minor uint32
}

// LocalVersion returns the version this package speaks.
func LocalVersion() *ProtocolVersion {
	return &ProtocolVersion{Magic: ProtocolMagic, Major: ProtocolMajor, Minor: ProtocolMinor}
}

// ConnectToPeer asks the grid for a tunnel to a peer.
type ConnectToPeer struct {
	ID       uint32
	PeerID   string
	Protocol string
}

// PeerReply answers ConnectToPeer. Relay and TunnelID are set on PeerOK.
type PeerReply struct {
	ID       uint32
	Result   PeerResult
	Relay    string
	TunnelID []byte
}

// PairRemote starts OTP pairing with the device that registered Locator.
type PairRemote struct {
	ID      uint32
	Locator []byte
}

// PairingChallenge carries the responder's key and a fresh nonce.
type PairingChallenge struct {
	ID     uint32
	PeerID []byte
	Nonce  []byte
}

// PairingResponse carries the initiator's proof of the OTP.
type PairingResponse struct {
	ID   uint32
	Auth []byte
}

// PairingResult reports whether the responder accepted the proof.
type PairingResult struct {
	ID     uint32
	Result PairResult
	PeerID []byte
}

func (*ProtocolVersion) Type() MessageType  { return TypeProtocolVersion }
func (*ConnectToPeer) Type() MessageType    { return TypeConnectToPeer }
func (*PeerReply) Type() MessageType        { return TypePeerReply }
func (*PairRemote) Type() MessageType       { return TypePairRemote }
func (*PairingChallenge) Type() MessageType { return TypePairingChallenge }
func (*PairingResponse) Type() MessageType  { return TypePairingResponse }
func (*PairingResult) Type() MessageType    { return TypePairingResult }

func (m *ConnectToPeer) RequestID() uint32    { return m.ID }
func (m *PeerReply) RequestID() uint32        { return m.ID }
func (m *PairRemote) RequestID() uint32       { return m.ID }
func (m *PairingChallenge) RequestID() uint32 { return m.ID }
func (m *PairingResponse) RequestID() uint32  { return m.ID }
func (m *PairingResult) RequestID() uint32    { return m.ID }

// Encode returns the frame payload for m.
func Encode(m Message) []byte {
	b := []byte{byte(m.Type())}
	return m.appendFields(b)
}

// Decode parses a frame payload.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var m Message
	switch MessageType(b[0]) {
	case TypeProtocolVersion:
		m = &ProtocolVersion{}
	case TypeConnectToPeer:
		m = &ConnectToPeer{}
	case TypePeerReply:
		m = &PeerReply{}
	case TypePairRemote:
		m = &PairRemote{}
	case TypePairingChallenge:
		m = &PairingChallenge{}
	case TypePairingResponse:
		m = &PairingResponse{}
	case TypePairingResult:
		m = &PairingResult{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, b[0])
	}

	if err := unmarshal(b[1:], m); err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrMalformed, m.Type(), err)
	}
	return m, nil
}

func unmarshal(b []byte, m Message) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := m.setField(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func wantVarint(num protowire.Number, typ protowire.Type) error {
	if typ != protowire.VarintType {
		return fmt.Errorf("field %d: wire type %d, want varint", num, typ)
	}
	return nil
}

func wantBytes(num protowire.Number, typ protowire.Type) error {
	if typ != protowire.BytesType {
		return fmt.Errorf("field %d: wire type %d, want bytes", num, typ)
	}
	return nil
}

func uint32Field(num protowire.Number, typ protowire.Type, v uint64) (uint32, error) {
	if err := wantVarint(num, typ); err != nil {
		return 0, err
	}
	if v > 0xFFFFFFFF {
		return 0, fmt.Errorf("field %d: value %d overflows uint32", num, v)
	}
	return uint32(v), nil
}

func bytesField(num protowire.Number, typ protowire.Type, raw []byte) ([]byte, error) {
	if err := wantBytes(num, typ); err != nil {
		return nil, err
	}
	return append([]byte(nil), raw...), nil
}

func (m *ProtocolVersion) appendFields(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.Magic))
	b = appendUint(b, 2, uint64(m.Major))
	return appendUint(b, 3, uint64(m.Minor))
}

func (m *ProtocolVersion) setField(num protowire.Number, typ protowire.Type, v uint64, _ []byte) (err error) {
	switch num {
	case 1:
		m.Magic, err = uint32Field(num, typ, v)
	case 2:
		m.Major, err = uint32Field(num, typ, v)
	case 3:
		m.Minor, err = uint32Field(num, typ, v)
	}
	return err
}

func (m *ConnectToPeer) appendFields(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.ID))
	b = appendString(b, 2, m.PeerID)
	return appendString(b, 3, m.Protocol)
}

func (m *ConnectToPeer) setField(num protowire.Number, typ protowire.Type, v uint64, raw []byte) (err error) {
	switch num {
	case 1:
		m.ID, err = uint32Field(num, typ, v)
	case 2:
		if err = wantBytes(num, typ); err == nil {
			m.PeerID = string(raw)
		}
	case 3:
		if err = wantBytes(num, typ); err == nil {
			m.Protocol = string(raw)
		}
	}
	return err
}

func (m *PeerReply) appendFields(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.ID))
	b = appendUint(b, 2, uint64(m.Result))
	b = appendString(b, 3, m.Relay)
	return appendBytes(b, 4, m.TunnelID)
}

func (m *PeerReply) setField(num protowire.Number, typ protowire.Type, v uint64, raw []byte) (err error) {
	switch num {
	case 1:
		m.ID, err = uint32Field(num, typ, v)
	case 2:
		var r uint32
		r, err = uint32Field(num, typ, v)
		m.Result = PeerResult(r)
	case 3:
		if err = wantBytes(num, typ); err == nil {
			m.Relay = string(raw)
		}
	case 4:
		m.TunnelID, err = bytesField(num, typ, raw)
	}
	return err
}

func (m *PairRemote) appendFields(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.ID))
	return appendBytes(b, 2, m.Locator)
}

func (m *PairRemote) setField(num protowire.Number, typ protowire.Type, v uint64, raw []byte) (err error) {
	switch num {
	case 1:
		m.ID, err = uint32Field(num, typ, v)
	case 2:
		m.Locator, err = bytesField(num, typ, raw)
	}
	return err
}

func (m *PairingChallenge) appendFields(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.ID))
	b = appendBytes(b, 2, m.PeerID)
	return appendBytes(b, 3, m.Nonce)
}

func (m *PairingChallenge) setField(num protowire.Number, typ protowire.Type, v uint64, raw []byte) (err error) {
	switch num {
	case 1:
		m.ID, err = uint32Field(num, typ, v)
	case 2:
		m.PeerID, err = bytesField(num, typ, raw)
	case 3:
		m.Nonce, err = bytesField(num, typ, raw)
	}
	return err
}

func (m *PairingResponse) appendFields(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.ID))
	return appendBytes(b, 2, m.Auth)
}

func (m *PairingResponse) setField(num protowire.Number, typ protowire.Type, v uint64, raw []byte) (err error) {
	switch num {
	case 1:
		m.ID, err = uint32Field(num, typ, v)
	case 2:
		m.Auth, err = bytesField(num, typ, raw)
	}
	return err
}

func (m *PairingResult) appendFields(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.ID))
	b = appendUint(b, 2, uint64(m.Result))
	return appendBytes(b, 3, m.PeerID)
}

func (m *PairingResult) setField(num protowire.Number, typ protowire.Type, v uint64, raw []byte) (err error) {
	switch num {
	case 1:
		m.ID, err = uint32Field(num, typ, v)
	case 2:
		var r uint32
		r, err = uint32Field(num, typ, v)
		m.Result = PairResult(r)
	case 3:
		m.PeerID, err = bytesField(num, typ, raw)
	}
	return err
}
