package message

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chronologos/goremote/internal/packet"
)

var ErrNoType = errors.New("message prototype declares no type")

// Constructor rebuilds a message from a verified packet.
type Constructor func(*packet.Packet) Message

type registryKey struct {
	typ     string
	subtype string
}

// Registry maps (type, subtype) pairs to constructors. It is built once at
// startup and only read afterwards.
type Registry struct {
	mu           sync.RWMutex
	constructors map[registryKey]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[registryKey]Constructor)}
}

// Register adds c under the type and subtype of prototype. Registering the
// same pair again replaces the previous constructor.
func (r *Registry) Register(prototype Message, c Constructor) error {
	if prototype.Type() == "" {
		return fmt.Errorf("%w: %T", ErrNoType, prototype)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[registryKey{prototype.Type(), prototype.Subtype()}] = c
	return nil
}

// Lookup finds the constructor for an exact (type, subtype) pair.
func (r *Registry) Lookup(typ, subtype string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.constructors[registryKey{typ, subtype}]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.constructors)
}

func adapt[T Message](from func(*packet.Packet) T) Constructor {
	return func(p *packet.Packet) Message { return from(p) }
}

// builtins is the static table of every message type this package defines.
var builtins = []struct {
	prototype Message
	from      Constructor
}{
	{&CommandRequest{}, adapt(CommandRequestFromPacket)},
	{&CommandResponse{}, adapt(CommandResponseFromPacket)},
	{&ErrorResponse{}, adapt(ErrorResponseFromPacket)},
	{&ErrorBroadcast{}, adapt(ErrorBroadcastFromPacket)},
	{&FileListRequest{}, adapt(FileListRequestFromPacket)},
	{&FileListResponse{}, adapt(FileListResponseFromPacket)},
	{&RetrieveFileRequest{}, adapt(RetrieveFileRequestFromPacket)},
	{&RetrieveFileResponse{}, adapt(RetrieveFileResponseFromPacket)},
	{&UpdateFileStartRequest{}, adapt(UpdateFileStartRequestFromPacket)},
	{&UpdateFileStartResponse{}, adapt(UpdateFileStartResponseFromPacket)},
	{&UpdateFileDataRequest{}, adapt(UpdateFileDataRequestFromPacket)},
	{&UpdateFileDataResponse{}, adapt(UpdateFileDataResponseFromPacket)},
	{&FileChangedBroadcast{}, adapt(FileChangedBroadcastFromPacket)},
}

// DefaultRegistry returns a registry holding every built-in message type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, b := range builtins {
		if err := r.Register(b.prototype, b.from); err != nil {
			panic(err)
		}
	}
	return r
}
