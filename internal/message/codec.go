package message

import (
	"errors"
	"fmt"

	"github.com/chronologos/goremote/internal/packet"
	"github.com/chronologos/goremote/internal/security"
)

var (
	ErrInvalidSignature = errors.New("invalid envelope signature")
	ErrUnknownType      = errors.New("unknown message type")
)

// Encode turns m into signed wire bytes.
func Encode(a *security.Authenticator, m Message) ([]byte, error) {
	p := m.ToPacket()
	if err := p.Sign(a); err != nil {
		return nil, fmt.Errorf("sign %s: %w", m.Type(), err)
	}
	return packet.Encode(p)
}

// FromPacket materializes the message registered for p's (type, subtype).
func FromPacket(reg *Registry, p *packet.Packet) (Message, error) {
	if p.Header == nil {
		return nil, fmt.Errorf("%w: no header", packet.ErrIncomplete)
	}
	subtype := SubtypeOf(p)
	from, ok := reg.Lookup(p.Header.Type, subtype)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownType, p.Header.Type, subtype)
	}
	return from(p), nil
}

// Decode runs the inbound pipeline: parse, verify, version check, lookup.
func Decode(reg *Registry, a *security.Authenticator, raw []byte) (Message, error) {
	p, err := packet.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !p.Verify(a) {
		return nil, ErrInvalidSignature
	}
	if err := packet.CheckVersion(p.Header.Version); err != nil {
		return nil, err
	}
	return FromPacket(reg, p)
}
