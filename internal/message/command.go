package message

import "github.com/chronologos/goremote/internal/packet"

// CommandRequest asks the peer to run a named command.
type CommandRequest struct {
	Request
	Name string
	Args string
}

func NewCommandRequest(name, args string, opts ...Option) *CommandRequest {
	return &CommandRequest{Request: Request{newBase(opts)}, Name: name, Args: args}
}

func (m *CommandRequest) Type() string { return TypeCommand }

func (m *CommandRequest) ToPacket() *packet.Packet {
	p := envelope(m)
	p.Content.SetData([]any{m.Name, m.Args})
	return p
}

func CommandRequestFromPacket(p *packet.Packet) *CommandRequest {
	m := &CommandRequest{
		Request: Request{baseFrom(p)},
		Name:    DefaultCommandName,
		Args:    DefaultCommandArgs,
	}
	if l := contentList(p); len(l) == 2 {
		if s, ok := l[0].(string); ok {
			m.Name = s
		}
		if s, ok := l[1].(string); ok {
			m.Args = s
		}
	}
	return m
}

// CommandResponse carries the output of a command.
type CommandResponse struct {
	Response
	Result string
}

func NewCommandResponse(result string, opts ...Option) *CommandResponse {
	return &CommandResponse{Response: Response{newBase(opts)}, Result: result}
}

func (m *CommandResponse) Type() string { return TypeCommand }

func (m *CommandResponse) ToPacket() *packet.Packet {
	p := envelope(m)
	p.Content.SetData(m.Result)
	return p
}

func CommandResponseFromPacket(p *packet.Packet) *CommandResponse {
	return &CommandResponse{
		Response: Response{baseFrom(p)},
		Result:   contentString(p, DefaultCommandName),
	}
}
