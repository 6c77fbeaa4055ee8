package message

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/goremote/internal/packet"
	"github.com/chronologos/goremote/internal/security"
)

func newAuth(t *testing.T) *security.Authenticator {
	t.Helper()
	a, err := security.NewAuthenticator("12345")
	require.NoError(t, err)
	return a
}

// roundTrip sends m through the full wire path and back.
func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	a := newAuth(t)
	raw, err := Encode(a, m)
	require.NoError(t, err)
	out, err := Decode(DefaultRegistry(), a, raw)
	require.NoError(t, err)
	return out
}

func TestUpdateFileStartRequestRoundTrip(t *testing.T) {
	m := NewUpdateFileStartRequest("a.txt", 1)

	p := m.ToPacket()
	assert.Equal(t, SubtypeRequest, SubtypeOf(p))

	got := UpdateFileStartRequestFromPacket(p)
	assert.Equal(t, "a.txt", got.Path)
	assert.Equal(t, int64(1), got.FileVersion)
	assert.True(t, got.IsRequest())

	wire := roundTrip(t, m)
	req, ok := wire.(*UpdateFileStartRequest)
	require.True(t, ok, "got %T", wire)
	assert.Equal(t, "a.txt", req.Path)
	assert.Equal(t, int64(1), req.FileVersion)
	assert.Equal(t, m.ID(), req.ID())
}

func TestRetrieveFileResponseRoundTrip(t *testing.T) {
	m := NewRetrieveFileResponse(Chunk{
		FileLength:  999,
		FileVersion: 7,
		TotalChunks: 99,
		ChunkIndex:  12,
		ChunkData:   []byte("chunk data"),
	})

	wire := roundTrip(t, m)
	got, ok := wire.(*RetrieveFileResponse)
	require.True(t, ok, "got %T", wire)
	assert.Equal(t, int64(999), got.FileLength)
	assert.Equal(t, int64(7), got.FileVersion)
	assert.Equal(t, int64(99), got.TotalChunks)
	assert.Equal(t, int64(12), got.ChunkIndex)
	assert.Equal(t, []byte("chunk data"), got.ChunkData)
	assert.True(t, got.IsResponse())
}

func TestErrorResponseStoresErrorText(t *testing.T) {
	_, cause := os.Open("/definitely/not/here")
	require.Error(t, cause)

	m := NewErrorResponse(cause)
	assert.Equal(t, cause.Error(), m.Text)

	p := m.ToPacket()
	text, ok := p.Content.Data.(string)
	require.True(t, ok, "content should be a string, got %T", p.Content.Data)
	assert.Equal(t, cause.Error(), text)

	b := NewErrorBroadcast(errors.New("boom"))
	assert.Equal(t, "boom", b.Text)
	assert.True(t, b.IsBroadcast())
}

func TestEveryTypeRoundTrips(t *testing.T) {
	parent := NewCommandRequest("echo", "hi")
	opts := []Option{WithUsername("alice"), WithSession("s1"), InReplyTo(parent)}

	cases := []Message{
		NewCommandRequest("echo", "hello there", opts...),
		NewCommandResponse("hello there", opts...),
		NewErrorResponseText("bad", opts...),
		NewErrorBroadcastText("worse", opts...),
		NewFileListRequest("src", opts...),
		NewFileListResponse([]FileEntry{{"main.go", 3}, {"pkg", DirVersion}}, opts...),
		NewRetrieveFileRequest("main.go", opts...),
		NewRetrieveFileResponse(DefaultChunk(), opts...),
		NewUpdateFileStartRequest("main.go", 2, opts...),
		NewUpdateFileStartResponse("main.go", 3, opts...),
		NewUpdateFileDataRequest(Chunk{FileLength: 4, FileVersion: 3, TotalChunks: 1, ChunkData: []byte("data")}, opts...),
		NewUpdateFileDataResponse(3, 5, 2, opts...),
		NewFileChangedBroadcast("main.go", 3, 4, opts...),
	}
	require.Len(t, cases, DefaultRegistry().Len())

	for _, m := range cases {
		t.Run(m.Type()+"/"+m.Subtype(), func(t *testing.T) {
			got := roundTrip(t, m)
			assert.IsType(t, m, got)
			assert.Equal(t, m.ID(), got.ID())
			assert.Equal(t, "alice", got.Username())
			assert.Equal(t, "s1", got.Session())
			require.NotNil(t, got.Parent())
			assert.Equal(t, parent.ID(), got.Parent().ID)
			assert.Equal(t, TypeCommand, got.Parent().Type)
		})
	}
}

func TestConcreteFieldsSurvive(t *testing.T) {
	cmd := roundTrip(t, NewCommandRequest("echo", "a b")).(*CommandRequest)
	assert.Equal(t, "echo", cmd.Name)
	assert.Equal(t, "a b", cmd.Args)

	list := roundTrip(t, NewFileListResponse([]FileEntry{{"a", 1}, {"d", DirVersion}})).(*FileListResponse)
	assert.Equal(t, []FileEntry{{"a", 1}, {"d", -1}}, list.Entries)

	ack := roundTrip(t, NewUpdateFileDataResponse(4, 10, 7)).(*UpdateFileDataResponse)
	assert.Equal(t, int64(4), ack.FileVersion)
	assert.Equal(t, int64(10), ack.TotalChunks)
	assert.Equal(t, int64(7), ack.ChunksReceived)

	changed := roundTrip(t, NewFileChangedBroadcast("x", 2, 100)).(*FileChangedBroadcast)
	assert.Equal(t, "x", changed.Path)
	assert.Equal(t, int64(2), changed.FileVersion)
	assert.Equal(t, int64(100), changed.FileLength)
}

func TestExactlyOneRole(t *testing.T) {
	for _, b := range builtins {
		m := b.prototype
		n := 0
		for _, is := range []bool{m.IsRequest(), m.IsResponse(), m.IsBroadcast()} {
			if is {
				n++
			}
		}
		assert.Equal(t, 1, n, "%T", m)
	}
}

func TestDefaults(t *testing.T) {
	m := NewCommandRequest("x", "y")
	assert.Equal(t, DefaultUsername, m.Username())
	assert.Equal(t, DefaultSession, m.Session())
	assert.Nil(t, m.Parent())
	assert.NotEmpty(t, m.ID())
	assert.NotEqual(t, m.ID(), NewCommandRequest("x", "y").ID(), "ids should be unique per message")

	empty := packet.Empty()
	assert.Equal(t, DefaultCommandName, CommandRequestFromPacket(empty).Name)
	assert.Equal(t, DefaultCommandArgs, CommandRequestFromPacket(empty).Args)
	assert.Equal(t, DefaultErrorText, ErrorResponseFromPacket(empty).Text)
	assert.Equal(t, DefaultFilePath, FileListRequestFromPacket(empty).Path)
	assert.Empty(t, FileListResponseFromPacket(empty).Entries)
	assert.Equal(t, DefaultChunk(), RetrieveFileResponseFromPacket(empty).Chunk)
	assert.Equal(t, DefaultChunk(), UpdateFileDataRequestFromPacket(empty).Chunk)
	assert.Equal(t, int64(DefaultChunksReceived), UpdateFileDataResponseFromPacket(empty).ChunksReceived)
	assert.Equal(t, int64(DefaultFileLength), FileChangedBroadcastFromPacket(empty).FileLength)
	assert.Equal(t, DefaultUsername, CommandResponseFromPacket(empty).Username())
	assert.Nil(t, CommandResponseFromPacket(empty).Parent(), "empty parent header means no parent")
}

func TestRegistryLookup(t *testing.T) {
	reg := DefaultRegistry()

	_, ok := reg.Lookup(TypeCommand, SubtypeRequest)
	assert.True(t, ok)
	_, ok = reg.Lookup(TypeCommand, SubtypeBroadcast)
	assert.False(t, ok, "COMMAND has no broadcast")
	_, ok = reg.Lookup(TypeFileChanged, SubtypeRequest)
	assert.False(t, ok)
	_, ok = reg.Lookup("command", SubtypeRequest)
	assert.False(t, ok, "type tags are case sensitive")
	_, ok = reg.Lookup("", "")
	assert.False(t, ok)
}

type untyped struct{ Request }

func (untyped) Type() string             { return "" }
func (untyped) ToPacket() *packet.Packet { return packet.Empty() }

func TestRegistryRejectsUntyped(t *testing.T) {
	err := NewRegistry().Register(untyped{}, func(*packet.Packet) Message { return untyped{} })
	assert.ErrorIs(t, err, ErrNoType)
}

func TestRegistryIdempotent(t *testing.T) {
	reg := DefaultRegistry()
	n := reg.Len()
	require.NoError(t, reg.Register(&CommandRequest{}, adapt(CommandRequestFromPacket)))
	assert.Equal(t, n, reg.Len())
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	raw, err := Encode(newAuth(t), NewCommandRequest("echo", "hi"))
	require.NoError(t, err)

	other, err := security.NewAuthenticator("other")
	require.NoError(t, err)
	_, err = Decode(DefaultRegistry(), other, raw)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	a := newAuth(t)
	p := packet.Empty()
	p.Header.SetType("NOPE").SetVersion(packet.Version)
	p.Metadata.Set(KeySubtype, SubtypeRequest)
	require.NoError(t, p.Sign(a))
	raw, err := packet.Encode(p)
	require.NoError(t, err)

	_, err = Decode(DefaultRegistry(), a, raw)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecodeRejectsMajorVersion(t *testing.T) {
	a := newAuth(t)
	p := NewCommandRequest("echo", "hi").ToPacket()
	p.Header.SetVersion("1.0")
	require.NoError(t, p.Sign(a))
	raw, err := packet.Encode(p)
	require.NoError(t, err)

	_, err = Decode(DefaultRegistry(), a, raw)
	assert.ErrorIs(t, err, packet.ErrUnsupportedVersion)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(DefaultRegistry(), newAuth(t), []byte{0xc1, 0x00})
	assert.ErrorIs(t, err, packet.ErrCorrupt)
}
