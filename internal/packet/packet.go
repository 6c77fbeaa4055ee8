// Package packet implements the signed envelope exchanged between peers.
//
// A Packet carries four parts: the header of the message, the header of the
// message it answers (or an empty header), free-form metadata and a single
// content value. Each part encodes to its own tagged msgpack map; those
// encodings are the inputs to the envelope signature, in that order.
package packet

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chronologos/goremote/internal/security"
	"github.com/google/uuid"
)

var (
	ErrCorrupt            = errors.New("corrupt envelope")
	ErrIncomplete         = errors.New("envelope part missing")
	ErrTooLarge           = errors.New("envelope exceeds maximum packet size")
	ErrUnsupportedVersion = errors.New("unsupported wire version")
	ErrUnsupportedValue   = errors.New("value cannot be encoded")
)

// Packet is the envelope. A nil part means the part has not been set.
type Packet struct {
	Signature    []byte
	Header       *Header
	ParentHeader *Header
	Metadata     *Metadata
	Content      *Content
}

// Empty returns a packet with every part present and holding sentinel values.
func Empty() *Packet {
	return new(Packet).
		SetParentHeader(EmptyHeader()).
		SetHeader(EmptyHeader()).
		SetMetadata(NewMetadata()).
		SetContent(NewContent(int64(0)))
}

func (p *Packet) SetHeader(h *Header) *Packet {
	p.Header = h
	return p
}

func (p *Packet) SetParentHeader(h *Header) *Packet {
	p.ParentHeader = h
	return p
}

func (p *Packet) SetMetadata(m *Metadata) *Packet {
	p.Metadata = m
	return p
}

func (p *Packet) SetContent(c *Content) *Packet {
	p.Content = c
	return p
}

// signedParts returns the individual part encodings in signature order.
func (p *Packet) signedParts() ([][]byte, error) {
	if p.Header == nil || p.ParentHeader == nil || p.Metadata == nil || p.Content == nil {
		return nil, ErrIncomplete
	}
	h, err := p.Header.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	ph, err := p.ParentHeader.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("parent header: %w", err)
	}
	md, err := p.Metadata.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	c, err := p.Content.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	return [][]byte{h, ph, md, c}, nil
}

// Sign computes the signature over the current parts and stores it.
func (p *Packet) Sign(a *security.Authenticator) error {
	parts, err := p.signedParts()
	if err != nil {
		return err
	}
	p.Signature = a.Sign(parts...)
	return nil
}

// Verify reports whether the stored signature matches the current parts.
// It never modifies the packet.
func (p *Packet) Verify(a *security.Authenticator) bool {
	if p.Signature == nil {
		return false
	}
	parts, err := p.signedParts()
	if err != nil {
		return false
	}
	return a.Verify(p.Signature, parts...)
}

func (p *Packet) String() string {
	return fmt.Sprintf("%s: {signature: %x, header: %s, parent_header: %s, metadata: %s, content: %s}",
		tagPacket, p.Signature, p.Header, p.ParentHeader, p.Metadata, p.Content)
}

// CheckVersion rejects versions whose major component differs from Version.
// Empty versions belong to empty headers and are accepted.
func CheckVersion(v string) error {
	if v == "" {
		return nil
	}
	if major(v) != major(Version) {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}
	return nil
}

func major(v string) string {
	m, _, _ := strings.Cut(v, ".")
	return m
}

// Header identifies a message.
type Header struct {
	ID       string
	Username string
	Session  string
	Date     time.Time
	Type     string
	Version  string
}

// EmptyHeader returns a header with empty fields, dated now. It stands in for
// the parent of a message that answers nothing.
func EmptyHeader() *Header {
	return new(Header).SetDateNow()
}

func (h *Header) SetID(id string) *Header {
	h.ID = id
	return h
}

func (h *Header) SetRandomID() *Header {
	h.ID = uuid.NewString()
	return h
}

func (h *Header) SetUsername(username string) *Header {
	h.Username = username
	return h
}

func (h *Header) SetSession(session string) *Header {
	h.Session = session
	return h
}

func (h *Header) SetDate(t time.Time) *Header {
	h.Date = t
	return h
}

func (h *Header) SetDateNow() *Header {
	h.Date = time.Now()
	return h
}

func (h *Header) SetType(typ string) *Header {
	h.Type = typ
	return h
}

func (h *Header) SetVersion(v string) *Header {
	h.Version = v
	return h
}

func (h *Header) String() string {
	if h == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: {id: %q, username: %q, session: %q, date: %s, type: %q, version: %q}",
		tagHeader, h.ID, h.Username, h.Session, h.Date.UTC().Format(dateLayout), h.Type, h.Version)
}

// Metadata is an ordered string-keyed map. Keys keep the order in which they
// were first set, or the order they appeared on the wire.
type Metadata struct {
	keys []string
	data map[string]any
}

func NewMetadata() *Metadata {
	return &Metadata{data: make(map[string]any)}
}

// Set stores v under key. Overwriting keeps the key's original position.
func (m *Metadata) Set(key string, v any) *Metadata {
	if m.data == nil {
		m.data = make(map[string]any)
	}
	if _, ok := m.data[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.data[key] = v
	return m
}

func (m *Metadata) Get(key string) (any, bool) {
	v, ok := m.data[key]
	return v, ok
}

// GetString returns the value under key if it is a string.
func (m *Metadata) GetString(key string) (string, bool) {
	s, ok := m.data[key].(string)
	return s, ok
}

// GetInt returns the value under key if it is an integer of any width.
func (m *Metadata) GetInt(key string) (int64, bool) {
	return ToInt64(m.data[key])
}

func (m *Metadata) Keys() []string {
	return append([]string(nil), m.keys...)
}

func (m *Metadata) Len() int {
	return len(m.keys)
}

// Map returns a copy of the metadata as a plain map.
func (m *Metadata) Map() map[string]any {
	out := make(map[string]any, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

func (m *Metadata) String() string {
	if m == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(tagMetadata + ": {")
	for i, k := range m.keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", k, m.data[k])
	}
	b.WriteString("}")
	return b.String()
}

// Content holds the single payload value of a packet: a string, integer,
// byte slice, bool, nil, or a []any of those.
type Content struct {
	Data any
}

func NewContent(v any) *Content {
	return &Content{Data: v}
}

func (c *Content) SetData(v any) *Content {
	c.Data = v
	return c
}

func (c *Content) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: {data: %v}", tagContent, c.Data)
}

// ToInt64 converts an integer of any width to int64.
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint64:
		if n > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint:
		return int64(n), true
	}
	return 0, false
}
