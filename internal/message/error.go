package message

import "github.com/chronologos/goremote/internal/packet"

// ErrorResponse reports a failure to the sender of a request.
type ErrorResponse struct {
	Response
	Text string
}

// NewErrorResponse stores the text of err, never err itself.
func NewErrorResponse(err error, opts ...Option) *ErrorResponse {
	return NewErrorResponseText(errorText(err), opts...)
}

func NewErrorResponseText(text string, opts ...Option) *ErrorResponse {
	return &ErrorResponse{Response: Response{newBase(opts)}, Text: text}
}

func (m *ErrorResponse) Type() string { return TypeError }

func (m *ErrorResponse) Error() string { return m.Text }

func (m *ErrorResponse) ToPacket() *packet.Packet {
	p := envelope(m)
	p.Content.SetData(m.Text)
	return p
}

func ErrorResponseFromPacket(p *packet.Packet) *ErrorResponse {
	return &ErrorResponse{
		Response: Response{baseFrom(p)},
		Text:     contentString(p, DefaultErrorText),
	}
}

// ErrorBroadcast reports a failure to every peer.
type ErrorBroadcast struct {
	Broadcast
	Text string
}

func NewErrorBroadcast(err error, opts ...Option) *ErrorBroadcast {
	return NewErrorBroadcastText(errorText(err), opts...)
}

func NewErrorBroadcastText(text string, opts ...Option) *ErrorBroadcast {
	return &ErrorBroadcast{Broadcast: Broadcast{newBase(opts)}, Text: text}
}

func (m *ErrorBroadcast) Type() string { return TypeError }

func (m *ErrorBroadcast) Error() string { return m.Text }

func (m *ErrorBroadcast) ToPacket() *packet.Packet {
	p := envelope(m)
	p.Content.SetData(m.Text)
	return p
}

func ErrorBroadcastFromPacket(p *packet.Packet) *ErrorBroadcast {
	return &ErrorBroadcast{
		Broadcast: Broadcast{baseFrom(p)},
		Text:      contentString(p, DefaultErrorText),
	}
}

func errorText(err error) string {
	if err == nil {
		return DefaultErrorText
	}
	return err.Error()
}
