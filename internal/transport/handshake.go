package transport

import (
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/chronologos/goremote/internal/security"
)

const (
	exporterLabel    = "goremote-auth-v1"
	handshakeTimeout = 5 * time.Second
)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// exportMaterial derives the per-connection secret the auth token is bound
// to, so a captured token cannot be replayed on another TLS session.
func exportMaterial(state tls.ConnectionState) ([]byte, error) {
	material, err := state.ExportKeyingMaterial(exporterLabel, nil, authTokenSize)
	if err != nil {
		return nil, fmt.Errorf("export keying material: %w", err)
	}
	return material, nil
}

// clientHandshake proves knowledge of key to the server.
func clientHandshake(rw io.ReadWriter, state tls.ConnectionState, key []byte) error {
	if d, ok := rw.(deadliner); ok {
		d.SetDeadline(time.Now().Add(handshakeTimeout))
		defer d.SetDeadline(time.Time{})
	}

	material, err := exportMaterial(state)
	if err != nil {
		return err
	}
	token := security.ComputeAuthToken(key, material)
	if err := writeFrame(rw, frameAuthRequest, token[:]); err != nil {
		return fmt.Errorf("write auth request: %w", err)
	}

	payload, err := expectFrame(rw, frameAuthResponse, 1)
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if authStatus(payload[0]) != authOK {
		return fmt.Errorf("%w: rejected by server", ErrAuthFailed)
	}
	return nil
}

// serverHandshake checks the client's token and answers with the status.
func serverHandshake(rw io.ReadWriter, state tls.ConnectionState, key []byte) error {
	if d, ok := rw.(deadliner); ok {
		d.SetDeadline(time.Now().Add(handshakeTimeout))
		defer d.SetDeadline(time.Time{})
	}

	payload, err := expectFrame(rw, frameAuthRequest, authTokenSize)
	if err != nil {
		return fmt.Errorf("read auth request: %w", err)
	}
	material, err := exportMaterial(state)
	if err != nil {
		return err
	}

	var token [authTokenSize]byte
	copy(token[:], payload)
	if !security.VerifyAuthToken(key, material, token) {
		writeFrame(rw, frameAuthResponse, []byte{byte(authFailed)})
		return fmt.Errorf("%w: invalid key", ErrAuthFailed)
	}
	if err := writeFrame(rw, frameAuthResponse, []byte{byte(authOK)}); err != nil {
		return fmt.Errorf("write auth response: %w", err)
	}
	return nil
}
