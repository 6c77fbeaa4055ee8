// Package message defines the typed messages carried inside envelopes.
//
// Every message has a type tag and exactly one role (request, response or
// broadcast), fixed by the role struct it embeds. ToPacket builds the
// envelope; the FromPacket functions rebuild a message from a verified one,
// falling back to documented defaults for anything missing.
package message

import (
	"time"

	"github.com/chronologos/goremote/internal/packet"
	"github.com/google/uuid"
)

// Type tags.
const (
	TypeCommand         = "COMMAND"
	TypeError           = "ERROR"
	TypeFileChanged     = "FILE_CHANGED"
	TypeFileList        = "FILE_LIST"
	TypeRetrieveFile    = "RETRIEVE_FILE"
	TypeUpdateFileStart = "UPDATE_FILE_START"
	TypeUpdateFileData  = "UPDATE_FILE_DATA"
)

// Subtypes, stamped into metadata under KeySubtype.
const (
	SubtypeRequest   = "REQUEST"
	SubtypeResponse  = "RESPONSE"
	SubtypeBroadcast = "BROADCAST"
)

// Metadata keys.
const (
	KeySubtype     = "SUBTYPE"
	KeyFileVersion = "V"
	KeyFileLength  = "L"
	KeyTotalChunks = "T"
	KeyChunkIndex  = "I"
)

// Defaults for values absent from a packet.
const (
	DefaultUsername       = "<UNKNOWN>"
	DefaultSession        = "<UNKNOWN>"
	DefaultCommandName    = "<NAME>"
	DefaultCommandArgs    = "<ARGS>"
	DefaultErrorText      = "<ERROR>"
	DefaultFilePath       = ""
	DefaultFileLength     = -1
	DefaultFileVersion    = 0
	DefaultTotalChunks    = 1
	DefaultChunkIndex     = 0
	DefaultChunksReceived = 0
)

// Message is a typed view over an envelope.
type Message interface {
	ID() string
	Type() string
	Subtype() string
	Username() string
	Session() string
	// Parent is the header of the message this one answers, or nil.
	Parent() *packet.Header

	IsRequest() bool
	IsResponse() bool
	IsBroadcast() bool

	ToPacket() *packet.Packet
}

// Base holds the identity shared by all messages.
type Base struct {
	id       string
	username string
	session  string
	parent   *packet.Header
}

func (b Base) ID() string             { return b.id }
func (b Base) Username() string       { return b.username }
func (b Base) Session() string        { return b.session }
func (b Base) Parent() *packet.Header { return b.parent }

// Option configures the Base of a new message.
type Option func(*Base)

func WithID(id string) Option {
	return func(b *Base) { b.id = id }
}

func WithUsername(username string) Option {
	return func(b *Base) { b.username = username }
}

func WithSession(session string) Option {
	return func(b *Base) { b.session = session }
}

// WithParent marks the message as answering the message with header h.
func WithParent(h *packet.Header) Option {
	return func(b *Base) { b.parent = h }
}

// InReplyTo marks the message as answering m.
func InReplyTo(m Message) Option {
	return WithParent(HeaderOf(m))
}

func newBase(opts []Option) Base {
	b := Base{
		id:       uuid.NewString(),
		username: DefaultUsername,
		session:  DefaultSession,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// Request is embedded by request messages.
type Request struct{ Base }

func (Request) Subtype() string   { return SubtypeRequest }
func (Request) IsRequest() bool   { return true }
func (Request) IsResponse() bool  { return false }
func (Request) IsBroadcast() bool { return false }

// Response is embedded by response messages.
type Response struct{ Base }

func (Response) Subtype() string   { return SubtypeResponse }
func (Response) IsRequest() bool   { return false }
func (Response) IsResponse() bool  { return true }
func (Response) IsBroadcast() bool { return false }

// Broadcast is embedded by broadcast messages.
type Broadcast struct{ Base }

func (Broadcast) Subtype() string   { return SubtypeBroadcast }
func (Broadcast) IsRequest() bool   { return false }
func (Broadcast) IsResponse() bool  { return false }
func (Broadcast) IsBroadcast() bool { return true }

// HeaderOf builds a fresh header describing m, dated now.
func HeaderOf(m Message) *packet.Header {
	return new(packet.Header).
		SetID(m.ID()).
		SetUsername(m.Username()).
		SetSession(m.Session()).
		SetDate(time.Now()).
		SetType(m.Type()).
		SetVersion(packet.Version)
}

// envelope is the common part of every ToPacket: header, parent (or an empty
// header), metadata with the subtype and placeholder content.
func envelope(m Message) *packet.Packet {
	parent := m.Parent()
	if parent == nil {
		parent = packet.EmptyHeader()
	}
	return new(packet.Packet).
		SetHeader(HeaderOf(m)).
		SetParentHeader(parent).
		SetMetadata(packet.NewMetadata().Set(KeySubtype, m.Subtype())).
		SetContent(packet.NewContent(int64(0)))
}

// baseFrom reads the identity fields of p. An empty parent header means the
// message answers nothing.
func baseFrom(p *packet.Packet) Base {
	b := Base{username: DefaultUsername, session: DefaultSession}
	if h := p.Header; h != nil {
		b.id = h.ID
		if h.Username != "" {
			b.username = h.Username
		}
		if h.Session != "" {
			b.session = h.Session
		}
	}
	if ph := p.ParentHeader; ph != nil && ph.ID != "" {
		b.parent = ph
	}
	return b
}

// SubtypeOf returns the subtype stamped in p's metadata.
func SubtypeOf(p *packet.Packet) string {
	if p.Metadata == nil {
		return ""
	}
	s, _ := p.Metadata.GetString(KeySubtype)
	return s
}

func metaInt(p *packet.Packet, key string, def int64) int64 {
	if p.Metadata == nil {
		return def
	}
	if n, ok := p.Metadata.GetInt(key); ok {
		return n
	}
	return def
}

func contentString(p *packet.Packet, def string) string {
	if p.Content == nil {
		return def
	}
	switch v := p.Content.Data.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return def
}

func contentBytes(p *packet.Packet) []byte {
	if p.Content != nil {
		switch v := p.Content.Data.(type) {
		case []byte:
			return v
		case string:
			return []byte(v)
		}
	}
	return []byte{}
}

func contentInt(p *packet.Packet, def int64) int64 {
	if p.Content == nil {
		return def
	}
	if n, ok := packet.ToInt64(p.Content.Data); ok {
		return n
	}
	return def
}

func contentList(p *packet.Packet) []any {
	if p.Content == nil {
		return nil
	}
	l, _ := p.Content.Data.([]any)
	return l
}
