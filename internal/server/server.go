// Package server is the listening side: it serves an editor's files and
// commands to connected clients and tells them when files change.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/chronologos/goremote/internal/action"
	"github.com/chronologos/goremote/internal/chunk"
	"github.com/chronologos/goremote/internal/coalesce"
	"github.com/chronologos/goremote/internal/editor"
	"github.com/chronologos/goremote/internal/message"
	"github.com/chronologos/goremote/internal/metrics"
	"github.com/chronologos/goremote/internal/node"
	"github.com/chronologos/goremote/internal/packet"
	"github.com/chronologos/goremote/internal/peer"
	"github.com/chronologos/goremote/internal/security"
	"github.com/chronologos/goremote/internal/transport"
)

const (
	DefaultChunkSize = packet.MaxContentSize
	DefaultUsername  = "server"
)

var ErrNoUpload = errors.New("no upload started")

// Config holds server configuration. Editor is required.
type Config struct {
	Host      string
	Port      int
	Transport transport.Mode
	Key       string
	Username  string

	ChunkSize       int
	TransferTimeout time.Duration
	SweepInterval   time.Duration
	PeerTTL         time.Duration
	// BroadcastDelay batches change notifications for the same path.
	BroadcastDelay time.Duration

	Editor editor.Editor
	Logger zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Username == "" {
		c.Username = DefaultUsername
	}
	if c.ChunkSize <= 0 || c.ChunkSize > packet.MaxContentSize {
		c.ChunkSize = DefaultChunkSize
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = chunk.DefaultTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = chunk.DefaultSweepInterval
	}
}

// upload is a transfer announced by UPDATE_FILE_START.
type upload struct {
	path  string
	from  net.Addr
	start *packet.Header // request that began it, for error replies
}

// change is a completed upload waiting to be broadcast.
type change struct {
	path    string
	version int64
	length  int64
	origin  net.Addr
}

// Server owns the listening endpoint. State below is only touched from the
// node loop goroutine.
type Server struct {
	cfg  Config
	log  zerolog.Logger
	auth *security.Authenticator

	node     *node.Node
	peers    *peer.Registry
	uploads  *chunk.Assembler
	pending  map[chunk.Key]upload
	versions map[string]int64
	changes  *coalesce.Coalescer[string, change]

	// Ready is closed once the endpoint is bound and Addr is valid.
	Ready chan struct{}
	addr  net.Addr
}

// New creates a server but does not bind it. Call Run to begin.
func New(cfg Config) (*Server, error) {
	cfg.setDefaults()
	if cfg.Editor == nil {
		return nil, errors.New("server: editor is required")
	}
	auth, err := security.NewAuthenticator(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "server").Logger(),
		auth:     auth,
		peers:    peer.NewRegistry(cfg.PeerTTL),
		uploads:  chunk.NewAssembler(cfg.TransferTimeout, 0),
		pending:  make(map[chunk.Key]upload),
		versions: make(map[string]int64),
		changes:  coalesce.New[string, change](cfg.BroadcastDelay),
		Ready:    make(chan struct{}),
	}, nil
}

// Addr returns the bound address. Valid after Ready is closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Run binds the endpoint and serves until ctx is cancelled. Bind failures
// are returned before Ready is closed.
func (s *Server) Run(ctx context.Context) error {
	conn, err := transport.Listen(s.cfg.Host, s.cfg.Port, transport.Options{
		Mode:   s.cfg.Transport,
		Key:    s.auth.Key(),
		Logger: s.log,
	})
	if err != nil {
		return fmt.Errorf("failed to bind to %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}

	s.node = node.New(conn, node.Config{
		Role:     "server",
		Messages: message.DefaultRegistry(),
		Actions:  s.actions(),
		Auth:     s.auth,
		Logger:   s.cfg.Logger,
		Observe:  s.observe,
	})
	s.node.AddTimer(s.cfg.SweepInterval, func() { s.sweep(time.Now()) })
	s.node.AddTrigger(s.changes.Timer(), s.flushChanges)
	defer func() {
		s.changes.Stop()
		s.uploads.Reset()
	}()

	s.addr = conn.LocalAddr()
	close(s.Ready)
	s.log.Info().Stringer("addr", s.addr).Str("transport", s.cfg.Transport.String()).Msg("listening")

	err = s.node.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the server; Run returns shortly after.
func (s *Server) Close() error {
	if s.node == nil {
		return nil
	}
	return s.node.Close()
}

func (s *Server) actions() *action.Registry {
	r := action.NewRegistry()
	action.Handle(r, s.handleCommand)
	action.Handle(r, s.handleFileList)
	action.Handle(r, s.handleRetrieveFile)
	action.Handle(r, s.handleUpdateFileStart)
	action.Handle(r, s.handleUpdateFileData)
	action.Handle(r, s.handleErrorResponse)
	action.Handle(r, s.handleErrorBroadcast)
	return r
}

func (s *Server) observe(msg message.Message, from net.Addr) {
	s.peers.Touch(from, msg.Username(), msg.Session())
	metrics.Peers.Set(float64(s.peers.Len()))
}

// replyOpts marks a reply to req from this server.
func (s *Server) replyOpts(req message.Message) []message.Option {
	return []message.Option{
		message.WithUsername(s.cfg.Username),
		message.WithSession(req.Session()),
		message.InReplyTo(req),
	}
}

// fail answers req with an ERROR response carrying err.
func (s *Server) fail(req message.Message, to net.Addr, err error) error {
	s.log.Debug().Err(err).Str("type", req.Type()).Stringer("peer", to).Msg("request failed")
	return s.node.Send(message.NewErrorResponse(err, s.replyOpts(req)...), to)
}

func (s *Server) handleCommand(m *message.CommandRequest, from net.Addr) error {
	out, err := s.cfg.Editor.Command(m.Name, m.Args)
	if err != nil {
		return s.fail(m, from, err)
	}
	return s.node.Send(message.NewCommandResponse(out, s.replyOpts(m)...), from)
}

func (s *Server) handleFileList(m *message.FileListRequest, from net.Addr) error {
	entries, err := s.cfg.Editor.ListFiles(m.Path)
	if err != nil {
		return s.fail(m, from, err)
	}
	rows := make([]message.FileEntry, 0, len(entries))
	for _, e := range entries {
		version := int64(message.DirVersion)
		if !e.IsDir {
			version = s.versions[cleanPath(path.Join(m.Path, e.Name))]
		}
		rows = append(rows, message.FileEntry{Name: e.Name, Version: version})
	}
	return s.node.Send(message.NewFileListResponse(rows, s.replyOpts(m)...), from)
}

// handleRetrieveFile streams the file back as RETRIEVE_FILE responses, one
// per chunk, all answering the same request.
func (s *Server) handleRetrieveFile(m *message.RetrieveFileRequest, from net.Addr) error {
	data, err := s.cfg.Editor.ReadFile(m.Path)
	if err != nil {
		return s.fail(m, from, err)
	}

	pieces := chunk.Split(data, s.cfg.ChunkSize)
	version := s.versions[cleanPath(m.Path)]
	for i, piece := range pieces {
		c := message.Chunk{
			FileLength:  int64(len(data)),
			FileVersion: version,
			TotalChunks: int64(len(pieces)),
			ChunkIndex:  int64(i),
			ChunkData:   piece,
		}
		if err := s.node.Send(message.NewRetrieveFileResponse(c, s.replyOpts(m)...), from); err != nil {
			return err
		}
	}
	metrics.TransfersCompleted.WithLabelValues("download").Inc()
	metrics.TransferBytes.Observe(float64(len(data)))
	return nil
}

// uploadKey scopes transfers to the sending endpoint and its session, so
// two clients pushing the same version never share chunks.
func uploadKey(from net.Addr, session string, version int64) chunk.Key {
	return chunk.Key{Owner: from.String() + "/" + session, Version: version}
}

func (s *Server) handleUpdateFileStart(m *message.UpdateFileStartRequest, from net.Addr) error {
	if m.Path == "" {
		return s.fail(m, from, fmt.Errorf("%w: empty path", editor.ErrOutsideRoot))
	}
	key := uploadKey(from, m.Session(), m.FileVersion)
	s.uploads.Begin(key)
	s.pending[key] = upload{path: m.Path, from: from, start: message.HeaderOf(m)}
	s.log.Debug().Str("path", m.Path).Stringer("transfer", key).Msg("upload started")

	return s.node.Send(message.NewUpdateFileStartResponse(m.Path, m.FileVersion, s.replyOpts(m)...), from)
}

func (s *Server) handleUpdateFileData(m *message.UpdateFileDataRequest, from net.Addr) error {
	key := uploadKey(from, m.Session(), m.FileVersion)
	up, ok := s.pending[key]
	if !ok {
		return s.fail(m, from, fmt.Errorf("%w for version %d", ErrNoUpload, m.FileVersion))
	}

	progress, err := s.uploads.Add(key, chunk.Piece{
		Index:  m.ChunkIndex,
		Total:  m.TotalChunks,
		Length: m.FileLength,
		Data:   m.ChunkData,
	})
	if err != nil {
		s.abandon(key)
		return s.fail(m, from, err)
	}

	if progress.Done {
		delete(s.pending, key)
		if err := s.cfg.Editor.WriteFile(up.path, progress.Data); err != nil {
			metrics.TransfersAbandoned.WithLabelValues("upload").Inc()
			return s.fail(m, from, err)
		}
		s.commit(up.path, m.FileVersion, int64(len(progress.Data)), from)
	}

	return s.node.Send(message.NewUpdateFileDataResponse(
		m.FileVersion, int64(progress.Total), int64(progress.Received), s.replyOpts(m)...), from)
}

// commit records a written upload and queues its change notification.
func (s *Server) commit(p string, version, length int64, origin net.Addr) {
	s.versions[cleanPath(p)] = version
	metrics.TransfersCompleted.WithLabelValues("upload").Inc()
	metrics.TransferBytes.Observe(float64(length))
	s.log.Info().Str("path", p).Int64("version", version).Int64("bytes", length).Msg("file updated")

	if s.changes.Add(cleanPath(p), change{path: p, version: version, length: length, origin: origin}) {
		s.flushChanges()
	}
}

// flushChanges broadcasts every pending change to the live peers other
// than the one that made it.
func (s *Server) flushChanges() {
	for _, c := range s.changes.Flush() {
		sent, err := s.peers.Broadcast(c.origin, func(to net.Addr) error {
			return s.node.Send(message.NewFileChangedBroadcast(c.path, c.version, c.length,
				message.WithUsername(s.cfg.Username)), to)
		})
		metrics.BroadcastsSent.WithLabelValues("ok").Add(float64(sent))
		if err != nil {
			metrics.BroadcastsSent.WithLabelValues("error").Inc()
			s.log.Warn().Err(err).Str("path", c.path).Msg("broadcast incomplete")
		}
	}
}

func (s *Server) abandon(key chunk.Key) {
	s.uploads.Discard(key)
	delete(s.pending, key)
	metrics.TransfersAbandoned.WithLabelValues("upload").Inc()
}

// sweep expires stalled uploads, telling each uploader what was missing,
// and forgets peers past their TTL.
func (s *Server) sweep(now time.Time) {
	for _, a := range s.uploads.Expire(now) {
		up, ok := s.pending[a.Key]
		delete(s.pending, a.Key)
		metrics.TransfersAbandoned.WithLabelValues("upload").Inc()
		if !ok {
			continue
		}
		s.log.Warn().Str("path", up.path).Stringer("transfer", a.Key).
			Int("received", a.Received).Int("total", a.Total).Msg("upload expired")

		resp := message.NewErrorResponse(a.Err(),
			message.WithUsername(s.cfg.Username),
			message.WithSession(up.start.Session),
			message.WithParent(up.start))
		if err := s.node.Send(resp, up.from); err != nil {
			s.log.Debug().Err(err).Stringer("peer", up.from).Msg("expiry notice not sent")
		}
	}

	if gone := s.peers.Prune(now); len(gone) > 0 {
		metrics.Peers.Set(float64(s.peers.Len()))
		s.log.Debug().Int("count", len(gone)).Msg("peers expired")
	}
}

func (s *Server) handleErrorResponse(m *message.ErrorResponse, from net.Addr) error {
	s.log.Warn().Str("error", m.Text).Stringer("peer", from).Msg("peer reported error")
	return nil
}

func (s *Server) handleErrorBroadcast(m *message.ErrorBroadcast, from net.Addr) error {
	s.log.Warn().Str("error", m.Text).Stringer("peer", from).Msg("peer broadcast error")
	return nil
}

// cleanPath normalizes a client path for version bookkeeping.
func cleanPath(p string) string {
	p = path.Clean("/" + p)
	return p[1:]
}
