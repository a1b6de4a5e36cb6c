package echo

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownChannel = errors.New("echo: unknown channel")
	ErrNoPayloads     = errors.New("echo: client mode requires payloads")
)

// Channel selects the messaging primitive.
type Channel string

const (
	ChannelMessage Channel = "message"
	ChannelSession Channel = "session"
)

// Mode is the single loop the process runs after bring-up.
type Mode string

const (
	ModeMessageClient Mode = "message-client"
	ModeMessageServer Mode = "message-server"
	ModeSessionClient Mode = "session-client"
	ModeSessionServer Mode = "session-server"
)

func (m Mode) IsClient() bool {
	return m == ModeMessageClient || m == ModeSessionClient
}

// ParseChannel accepts "", "message" or "session".
func ParseChannel(raw string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return "", nil
	case ChannelMessage:
		return ChannelMessage, nil
	case ChannelSession:
		return ChannelSession, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, raw)
	}
}

// SelectMode picks the mode: a peer alias means client role, otherwise
// server role. Without an explicit channel a client uses sessions only when
// session payloads are set and message payloads are not.
func SelectMode(cfg ServiceConfig) (Mode, error) {
	channel, err := ParseChannel(string(cfg.Channel))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(cfg.Peer) == "" {
		if channel == ChannelSession {
			return ModeSessionServer, nil
		}
		return ModeMessageServer, nil
	}

	if channel == "" {
		channel = ChannelMessage
		if len(cfg.SessionPayloads) > 0 && len(cfg.Messages) == 0 {
			channel = ChannelSession
		}
	}
	switch channel {
	case ChannelSession:
		if len(cfg.SessionPayloads) == 0 {
			return "", fmt.Errorf("%w: session_payloads is empty", ErrNoPayloads)
		}
		return ModeSessionClient, nil
	default:
		if len(cfg.Messages) == 0 {
			return "", fmt.Errorf("%w: messages is empty", ErrNoPayloads)
		}
		return ModeMessageClient, nil
	}
}
