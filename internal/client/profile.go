package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chronologos/goremote/internal/version"
)

// stats accumulates request timings and payload volume for the profile.
type stats struct {
	mu        sync.Mutex
	start     time.Time
	requests  int
	failures  int
	bytesUp   uint64
	bytesDown uint64
	minRTT    time.Duration
	smoothRTT time.Duration
	latestRTT time.Duration
}

// observe records one request. RTT smoothing follows RFC 6298 (alpha 1/8).
func (s *stats) observe(rtt time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if err != nil {
		s.failures++
		return
	}
	s.latestRTT = rtt
	if s.minRTT == 0 || rtt < s.minRTT {
		s.minRTT = rtt
	}
	if s.smoothRTT == 0 {
		s.smoothRTT = rtt
	} else {
		s.smoothRTT = (7*s.smoothRTT + rtt) / 8
	}
}

func (s *stats) transferred(up, down int) {
	s.mu.Lock()
	s.bytesUp += uint64(up)
	s.bytesDown += uint64(down)
	s.mu.Unlock()
}

// Stats is a snapshot of what a client has done since Dial.
type Stats struct {
	Duration      time.Duration
	Requests      int
	Failures      int
	BytesSent     uint64
	BytesReceived uint64
	MinRTT        time.Duration
	SmoothedRTT   time.Duration
	LatestRTT     time.Duration
}

func (c *Client) Stats() Stats {
	s := &c.stats
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Duration:      time.Since(s.start),
		Requests:      s.requests,
		Failures:      s.failures,
		BytesSent:     s.bytesUp,
		BytesReceived: s.bytesDown,
		MinRTT:        s.minRTT,
		SmoothedRTT:   s.smoothRTT,
		LatestRTT:     s.latestRTT,
	}
}

// logProfileSummary writes the summary to the editor and dumps it as JSON.
// Called from Close when Profile is enabled.
func (c *Client) logProfileSummary() {
	st := c.Stats()
	c.cfg.Editor.WriteOutput(fmt.Sprintf("[profile] duration=%s requests=%d failed=%d",
		st.Duration.Round(time.Millisecond), st.Requests, st.Failures))
	c.cfg.Editor.WriteOutput(fmt.Sprintf("[profile] rtt min=%s smooth=%s latest=%s",
		formatDuration(st.MinRTT), formatDuration(st.SmoothedRTT), formatDuration(st.LatestRTT)))
	c.cfg.Editor.WriteOutput(fmt.Sprintf("[profile] payload sent=%s recv=%s",
		formatBytes(st.BytesSent), formatBytes(st.BytesReceived)))

	name, err := c.writeProfileJSON(st, time.Now())
	if err != nil {
		c.log.Warn().Err(err).Msg("profile not written")
		return
	}
	c.cfg.Editor.WriteOutput("[profile] wrote " + name)
}

type profileJSON struct {
	Timestamp string         `json:"timestamp"`
	Version   string         `json:"version"`
	Commit    string         `json:"commit"`
	Server    string         `json:"server"`
	Transport string         `json:"transport"`
	DurationS float64        `json:"duration_s"`
	Requests  int            `json:"requests"`
	Failures  int            `json:"failures"`
	RTT       profileRTT     `json:"rtt"`
	Payload   profilePayload `json:"payload"`
}

type profileRTT struct {
	MinMs    float64 `json:"min_ms"`
	SmoothMs float64 `json:"smooth_ms"`
	LatestMs float64 `json:"latest_ms"`
}

type profilePayload struct {
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
}

// writeProfileJSON writes goremote-profile-<timestamp>.json into ProfileDir.
func (c *Client) writeProfileJSON(st Stats, now time.Time) (string, error) {
	p := profileJSON{
		Timestamp: now.UTC().Format(time.RFC3339),
		Version:   version.VERSION,
		Commit:    version.Commit,
		Server:    c.remote.String(),
		Transport: c.cfg.Transport.String(),
		DurationS: st.Duration.Seconds(),
		Requests:  st.Requests,
		Failures:  st.Failures,
		RTT: profileRTT{
			MinMs:    msFloat(st.MinRTT),
			SmoothMs: msFloat(st.SmoothedRTT),
			LatestMs: msFloat(st.LatestRTT),
		},
		Payload: profilePayload{BytesSent: st.BytesSent, BytesRecv: st.BytesReceived},
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("profile: %w", err)
	}

	dir := c.cfg.ProfileDir
	if dir == "" {
		dir = os.TempDir()
	}
	name := filepath.Join(dir, fmt.Sprintf("goremote-profile-%s.json", now.Format("20060102-150405")))
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return "", fmt.Errorf("profile: %w", err)
	}
	return name, nil
}

func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%dB", b)
	}
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0ms"
	}
	return fmt.Sprintf("%.1fms", msFloat(d))
}
