package client

import (
	"fmt"
	"net"
	"time"

	"github.com/chronologos/goremote/internal/chunk"
	"github.com/chronologos/goremote/internal/message"
	"github.com/chronologos/goremote/internal/metrics"
)

// replyHandler passes a response straight to the waiting request.
func replyHandler[T message.Message](c *Client) func(T, net.Addr) error {
	return func(m T, from net.Addr) error {
		if !c.deliver(m, reply{msg: m}) {
			c.log.Debug().Str("type", m.Type()).Stringer("peer", from).Msg("unsolicited response")
		}
		return nil
	}
}

// downloadKey scopes a download to the request that asked for it.
func downloadKey(requestID string) chunk.Key {
	return chunk.Key{Owner: requestID}
}

func (c *Client) handleRetrieveFile(m *message.RetrieveFileResponse, from net.Addr) error {
	parent := m.Parent()
	if parent == nil {
		return nil
	}
	ch, ok := c.waiter(parent.ID)
	if !ok {
		// Late chunk for a fetch that already finished or gave up.
		return nil
	}

	progress, err := c.downloads.Add(downloadKey(parent.ID), chunk.Piece{
		Index:  m.ChunkIndex,
		Total:  m.TotalChunks,
		Length: m.FileLength,
		Data:   m.ChunkData,
	})
	if err != nil {
		c.downloads.Discard(downloadKey(parent.ID))
		metrics.TransfersAbandoned.WithLabelValues("download").Inc()
		sendReply(ch, reply{err: err})
		return nil
	}
	if progress.Done {
		metrics.TransfersCompleted.WithLabelValues("download").Inc()
		metrics.TransferBytes.Observe(float64(len(progress.Data)))
		sendReply(ch, reply{msg: m, data: progress.Data})
	}
	return nil
}

// showError writes text to the editor's error output from the editor's own
// goroutine.
func (c *Client) showError(text string) {
	ed := c.cfg.Editor
	ed.ScheduleAsync(func() { ed.WriteError("Error: " + text) })
}

// handleErrorResponse shows the error in the editor and fails the request
// it answers.
func (c *Client) handleErrorResponse(m *message.ErrorResponse, from net.Addr) error {
	c.showError(m.Text)
	if parent := m.Parent(); parent != nil {
		c.downloads.Discard(downloadKey(parent.ID))
	}
	c.deliver(m, reply{err: fmt.Errorf("%w: %s", ErrRemote, m.Text)})
	return nil
}

func (c *Client) handleErrorBroadcast(m *message.ErrorBroadcast, from net.Addr) error {
	c.showError(m.Text)
	return nil
}

func (c *Client) handleFileChanged(m *message.FileChangedBroadcast, from net.Addr) error {
	ed, hook := c.cfg.Editor, c.cfg.OnFileChanged
	ed.ScheduleAsync(func() {
		ed.WriteOutput(fmt.Sprintf("%s changed on server (version %d, %d bytes)",
			m.Path, m.FileVersion, m.FileLength))
		if hook != nil {
			hook(m)
		}
	})
	return nil
}

// sweep fails downloads that stopped receiving chunks.
func (c *Client) sweep(now time.Time) {
	for _, a := range c.downloads.Expire(now) {
		metrics.TransfersAbandoned.WithLabelValues("download").Inc()
		c.log.Warn().Stringer("transfer", a.Key).Int("received", a.Received).Int("total", a.Total).
			Msg("download expired")
		if ch, ok := c.waiter(a.Key.Owner); ok {
			sendReply(ch, reply{err: a.Err()})
		}
	}
}
