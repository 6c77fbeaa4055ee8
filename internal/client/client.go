// Package client is the connecting side: it issues requests to a server on
// behalf of an editor and matches the replies to them.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chronologos/goremote/internal/action"
	"github.com/chronologos/goremote/internal/chunk"
	"github.com/chronologos/goremote/internal/editor"
	"github.com/chronologos/goremote/internal/message"
	"github.com/chronologos/goremote/internal/metrics"
	"github.com/chronologos/goremote/internal/node"
	"github.com/chronologos/goremote/internal/packet"
	"github.com/chronologos/goremote/internal/security"
	"github.com/chronologos/goremote/internal/transport"
)

const (
	DefaultChunkSize      = packet.MaxContentSize
	DefaultRequestTimeout = 5 * time.Second
)

var (
	// ErrRemote wraps every ERROR response from the server.
	ErrRemote = errors.New("server error")
	// ErrUnexpectedReply is returned when a reply has the wrong type.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// Config holds client configuration. Editor is required.
type Config struct {
	Host      string
	Port      int
	Transport transport.Mode
	Key       string
	Username  string
	// Session identifies this client instance; a random one is generated
	// when empty.
	Session string

	ChunkSize       int
	RequestTimeout  time.Duration
	TransferTimeout time.Duration
	SweepInterval   time.Duration

	// Profile writes a traffic summary to the editor and a JSON file in
	// ProfileDir (default os.TempDir()) on Close.
	Profile    bool
	ProfileDir string

	Editor editor.Editor
	Logger zerolog.Logger
	// OnFileChanged, if set, is called through Editor.ScheduleAsync for
	// each change broadcast.
	OnFileChanged func(*message.FileChangedBroadcast)
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Username == "" {
		c.Username = message.DefaultUsername
	}
	if c.Session == "" {
		c.Session = uuid.NewString()
	}
	if c.ChunkSize <= 0 || c.ChunkSize > packet.MaxContentSize {
		c.ChunkSize = DefaultChunkSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = chunk.DefaultTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = chunk.DefaultSweepInterval
	}
}

// reply is what a waiter receives: a message, reassembled file data, or an
// error.
type reply struct {
	msg  message.Message
	data []byte
	err  error
}

// Client is connected to one server. Its methods are safe for concurrent use.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	node   *node.Node
	remote net.Addr

	mu        sync.Mutex
	waiters   map[string]chan<- reply // keyed by request id
	downloads *chunk.Assembler

	stats stats

	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	closeOnce sync.Once
}

// Dial connects to the server and starts the receive loop. Bind and dial
// failures are returned directly.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.setDefaults()
	if cfg.Editor == nil {
		return nil, errors.New("client: editor is required")
	}
	auth, err := security.NewAuthenticator(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	conn, remote, err := transport.Dial(ctx, cfg.Host, cfg.Port, transport.Options{
		Mode:   cfg.Transport,
		Key:    auth.Key(),
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	c := &Client{
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "client").Logger(),
		remote:    remote,
		waiters:   make(map[string]chan<- reply),
		downloads: chunk.NewAssembler(cfg.TransferTimeout, 0),
		done:      make(chan struct{}),
	}
	c.stats.start = time.Now()
	c.node = node.New(conn, node.Config{
		Role:     "client",
		Messages: message.DefaultRegistry(),
		Actions:  c.actions(),
		Auth:     auth,
		Logger:   cfg.Logger,
	})
	c.node.AddTimer(cfg.SweepInterval, func() { c.sweep(time.Now()) })

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go func() {
		defer close(c.done)
		c.runErr = c.node.Run(runCtx)
	}()

	c.log.Info().Stringer("server", remote).Str("transport", cfg.Transport.String()).
		Str("session", cfg.Session).Msg("connected")
	return c, nil
}

// Close stops the receive loop and releases the connection. Pending
// requests fail with node.ErrNotConnected.
func (c *Client) Close() error {
	c.closeOnce.Do(c.shutdown)
	if errors.Is(c.runErr, context.Canceled) {
		return nil
	}
	return c.runErr
}

func (c *Client) shutdown() {
	c.cancel()
	<-c.done
	c.downloads.Reset()

	c.mu.Lock()
	for id, ch := range c.waiters {
		sendReply(ch, reply{err: node.ErrNotConnected})
		delete(c.waiters, id)
	}
	c.mu.Unlock()

	if c.cfg.Profile {
		c.logProfileSummary()
	}
}

// Session returns the session id stamped on every request.
func (c *Client) Session() string {
	return c.cfg.Session
}

func (c *Client) opts() []message.Option {
	return []message.Option{
		message.WithUsername(c.cfg.Username),
		message.WithSession(c.cfg.Session),
	}
}

// Send delivers m to the server without waiting for a reply.
func (c *Client) Send(m message.Message) error {
	return c.node.Send(m, c.remote)
}

// register routes replies to req into ch until unregister.
func (c *Client) register(req message.Message, ch chan<- reply) {
	c.mu.Lock()
	c.waiters[req.ID()] = ch
	c.mu.Unlock()
}

func (c *Client) unregister(ids ...string) {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.waiters, id)
	}
	c.mu.Unlock()
}

func (c *Client) waiter(id string) (chan<- reply, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[id]
	return ch, ok
}

// sendReply never blocks the loop; waiters size their channels for every
// reply they expect.
func sendReply(ch chan<- reply, r reply) {
	select {
	case ch <- r:
	default:
	}
}

// deliver hands r to whoever waits for the request m answers.
func (c *Client) deliver(m message.Message, r reply) bool {
	parent := m.Parent()
	if parent == nil {
		return false
	}
	ch, ok := c.waiter(parent.ID)
	if !ok {
		return false
	}
	sendReply(ch, r)
	return true
}

// call sends req and waits for one reply.
func (c *Client) call(ctx context.Context, req message.Message) (_ reply, err error) {
	sent := time.Now()
	defer func() { c.stats.observe(time.Since(sent), err) }()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	ch := make(chan reply, 1)
	c.register(req, ch)
	defer c.unregister(req.ID())

	if err := c.Send(req); err != nil {
		return reply{}, err
	}
	select {
	case r := <-ch:
		if r.err != nil {
			return r, r.err
		}
		return r, nil
	case <-ctx.Done():
		return reply{}, fmt.Errorf("%s request: %w", req.Type(), ctx.Err())
	}
}

// RunCommand runs a named command on the server and returns its output.
func (c *Client) RunCommand(ctx context.Context, name, args string) (string, error) {
	r, err := c.call(ctx, message.NewCommandRequest(name, args, c.opts()...))
	if err != nil {
		return "", err
	}
	resp, ok := r.msg.(*message.CommandResponse)
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrUnexpectedReply, r.msg)
	}
	return resp.Result, nil
}

// ListFiles lists a directory on the server. Directories have version -1.
func (c *Client) ListFiles(ctx context.Context, path string) ([]message.FileEntry, error) {
	r, err := c.call(ctx, message.NewFileListRequest(path, c.opts()...))
	if err != nil {
		return nil, err
	}
	resp, ok := r.msg.(*message.FileListResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedReply, r.msg)
	}
	return resp.Entries, nil
}

// FetchFile downloads a file and returns its contents and server version.
// The first chunk must arrive within RequestTimeout. After that there is no
// overall deadline: missing chunks surface as chunk.ErrIncomplete once no
// chunk has arrived for TransferTimeout.
func (c *Client) FetchFile(ctx context.Context, path string) (_ []byte, _ int64, err error) {
	sent := time.Now()
	defer func() { c.stats.observe(time.Since(sent), err) }()

	req := message.NewRetrieveFileRequest(path, c.opts()...)
	key := downloadKey(req.ID())
	ch := make(chan reply, 1)
	c.register(req, ch)
	defer c.unregister(req.ID())
	c.downloads.Begin(key)

	if err := c.Send(req); err != nil {
		c.downloads.Discard(key)
		return nil, 0, err
	}

	first := time.NewTimer(c.cfg.RequestTimeout)
	defer first.Stop()
	for {
		select {
		case r := <-ch:
			if r.err != nil {
				return nil, 0, r.err
			}
			resp, ok := r.msg.(*message.RetrieveFileResponse)
			if !ok {
				return nil, 0, fmt.Errorf("%w: %T", ErrUnexpectedReply, r.msg)
			}
			c.stats.transferred(0, len(r.data))
			return r.data, resp.FileVersion, nil
		case <-first.C:
			if p, ok := c.downloads.Pending(key); ok && p.Received > 0 {
				continue
			}
			c.downloads.Discard(key)
			return nil, 0, fmt.Errorf("fetch %s: %w", path, context.DeadlineExceeded)
		case <-ctx.Done():
			c.downloads.Discard(key)
			return nil, 0, fmt.Errorf("fetch %s: %w", path, ctx.Err())
		}
	}
}

// PushFile uploads data as version of path. It announces the upload, sends
// every chunk and returns once the server acknowledges the last one. Lost
// chunks are not retransmitted: the server expires the upload and the call
// fails. The call also fails if no acknowledgement arrives for
// RequestTimeout+TransferTimeout.
func (c *Client) PushFile(ctx context.Context, path string, data []byte, version int64) error {
	start := message.NewUpdateFileStartRequest(path, version, c.opts()...)
	r, err := c.call(ctx, start)
	if err != nil {
		return err
	}
	if _, ok := r.msg.(*message.UpdateFileStartResponse); !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedReply, r.msg)
	}

	pieces := chunk.Split(data, c.cfg.ChunkSize)
	// One slot per chunk reply plus the expiry notice.
	ch := make(chan reply, len(pieces)+1)
	ids := []string{start.ID()}
	c.register(start, ch)
	defer func() { c.unregister(ids...) }()

	for i, piece := range pieces {
		req := message.NewUpdateFileDataRequest(message.Chunk{
			FileLength:  int64(len(data)),
			FileVersion: version,
			TotalChunks: int64(len(pieces)),
			ChunkIndex:  int64(i),
			ChunkData:   piece,
		}, c.opts()...)
		c.register(req, ch)
		ids = append(ids, req.ID())
		if err := c.Send(req); err != nil {
			return err
		}
	}

	idle := c.cfg.RequestTimeout + c.cfg.TransferTimeout
	stall := time.NewTimer(idle)
	defer stall.Stop()
	for {
		select {
		case r := <-ch:
			if r.err != nil {
				return r.err
			}
			stall.Reset(idle)
			resp, ok := r.msg.(*message.UpdateFileDataResponse)
			if !ok {
				return fmt.Errorf("%w: %T", ErrUnexpectedReply, r.msg)
			}
			if resp.ChunksReceived >= resp.TotalChunks {
				c.stats.transferred(len(data), 0)
				metrics.TransfersCompleted.WithLabelValues("upload").Inc()
				metrics.TransferBytes.Observe(float64(len(data)))
				return nil
			}
		case <-stall.C:
			return fmt.Errorf("push %s: no acknowledgement for %s: %w", path, idle, context.DeadlineExceeded)
		case <-ctx.Done():
			return fmt.Errorf("push %s: %w", path, ctx.Err())
		}
	}
}

func (c *Client) actions() *action.Registry {
	r := action.NewRegistry()
	action.Handle(r, replyHandler[*message.CommandResponse](c))
	action.Handle(r, replyHandler[*message.FileListResponse](c))
	action.Handle(r, replyHandler[*message.UpdateFileStartResponse](c))
	action.Handle(r, replyHandler[*message.UpdateFileDataResponse](c))
	action.Handle(r, c.handleRetrieveFile)
	action.Handle(r, c.handleErrorResponse)
	action.Handle(r, c.handleErrorBroadcast)
	action.Handle(r, c.handleFileChanged)
	return r
}
