package session

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/echoctl/internal/protocol/frame"
	"github.com/danmuck/echoctl/internal/protocol/tlv"
)

const (
	FrameHello    = "hello"
	FrameHelloAck = "hello.ack"
	FrameData     = "data"
	FrameClose    = "close"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	// MaxFrameBytes bounds one encoded frame payload.
	MaxFrameBytes = 128 * 1024
)

// Wire message types.
const (
	MsgHello    uint16 = 1
	MsgHelloAck uint16 = 2
	MsgData     uint16 = 3
	MsgClose    uint16 = 4
)

// TLV field ids.
const (
	FieldSessionID uint16 = 1
	FieldFrom      uint16 = 2
	FieldTo        uint16 = 3
	FieldTransport uint16 = 4
	FieldStatus    uint16 = 5
	FieldMessage   uint16 = 6
	FieldData      uint16 = 7
)

var (
	ErrInvalidFrame  = errors.New("session: invalid frame")
	ErrFrameTooLarge = errors.New("session: frame too large")
	ErrRejected      = errors.New("session: hello rejected")
)

var (
	typeToWire = map[string]uint16{
		FrameHello:    MsgHello,
		FrameHelloAck: MsgHelloAck,
		FrameData:     MsgData,
		FrameClose:    MsgClose,
	}
	wireToType = map[uint16]string{
		MsgHello:    FrameHello,
		MsgHelloAck: FrameHelloAck,
		MsgData:     FrameData,
		MsgClose:    FrameClose,
	}
)

// Frame is one decoded session control or data message.
type Frame struct {
	Type      string
	SessionID string
	From      string
	To        string
	Transport string
	Status    string
	Message   string
	Data      []byte
}

func (f Frame) Validate() error {
	switch f.Type {
	case FrameHello:
		if strings.TrimSpace(f.From) == "" {
			return fmt.Errorf("%w: hello missing from", ErrInvalidFrame)
		}
		if strings.TrimSpace(f.To) == "" {
			return fmt.Errorf("%w: hello missing to", ErrInvalidFrame)
		}
	case FrameHelloAck:
		if f.Status != AckStatusAccepted && f.Status != AckStatusRejected {
			return fmt.Errorf("%w: invalid ack status %q", ErrInvalidFrame, f.Status)
		}
	case FrameData, FrameClose:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
	return nil
}

func limits() frame.Limits {
	return frame.Limits{MaxPayloadBytes: MaxFrameBytes}
}

// WriteFrame validates f and writes it as one binary frame.
func WriteFrame(w io.Writer, f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	payload := tlv.EncodeFields(
		tlv.String(FieldSessionID, f.SessionID),
		tlv.String(FieldFrom, f.From),
		tlv.String(FieldTo, f.To),
		tlv.String(FieldTransport, f.Transport),
		tlv.String(FieldStatus, f.Status),
		tlv.String(FieldMessage, f.Message),
	)
	if len(f.Data) > 0 {
		payload = append(payload, tlv.EncodeField(tlv.Bytes(FieldData, f.Data))...)
	}
	err := frame.WriteFrame(w, typeToWire[f.Type], payload, limits())
	if errors.Is(err, frame.ErrPayloadTooLarge) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	return err
}

// ReadFrame reads and validates one frame. Stream errors (io.EOF and
// friends) are returned unwrapped so callers can classify them.
func ReadFrame(r io.Reader) (Frame, error) {
	raw, err := frame.ReadFrame(r, limits())
	switch {
	case err == nil:
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return Frame{}, fmt.Errorf("%w: %v", ErrFrameTooLarge, err)
	case errors.Is(err, frame.ErrBadMagic), errors.Is(err, frame.ErrVersion):
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	case errors.Is(err, frame.ErrShortHeader):
		return Frame{}, io.ErrUnexpectedEOF
	default:
		return Frame{}, err
	}

	typ, ok := wireToType[raw.Header.MessageType]
	if !ok {
		return Frame{}, fmt.Errorf("%w: unknown message type %d", ErrInvalidFrame, raw.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(raw.Payload)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	f := Frame{Type: typ}
	for _, s := range []struct {
		id  uint16
		dst *string
	}{
		{FieldSessionID, &f.SessionID},
		{FieldFrom, &f.From},
		{FieldTo, &f.To},
		{FieldTransport, &f.Transport},
		{FieldStatus, &f.Status},
		{FieldMessage, &f.Message},
	} {
		if *s.dst, err = tlv.GetString(fields, s.id); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
	}
	if f.Data, err = tlv.GetBytes(fields, FieldData); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// ExpectFrame reads one frame and requires its type.
func ExpectFrame(r io.Reader, typ string) (Frame, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return Frame{}, err
	}
	if f.Type != typ {
		return Frame{}, fmt.Errorf("%w: want %s got %s", ErrInvalidFrame, typ, f.Type)
	}
	return f, nil
}

// Hello opens a session from one alias to another.
func Hello(sessionID, from, to, transport string) Frame {
	return Frame{Type: FrameHello, SessionID: sessionID, From: from, To: to, Transport: transport}
}

func Accept(sessionID string) Frame {
	return Frame{Type: FrameHelloAck, SessionID: sessionID, Status: AckStatusAccepted}
}

func Reject(sessionID, reason string) Frame {
	return Frame{Type: FrameHelloAck, SessionID: sessionID, Status: AckStatusRejected, Message: reason}
}

func Data(p []byte) Frame {
	return Frame{Type: FrameData, Data: p}
}

func Close() Frame {
	return Frame{Type: FrameClose}
}

// AckError converts a rejected hello.ack into ErrRejected.
func AckError(f Frame) error {
	if f.Status == AckStatusAccepted {
		return nil
	}
	if f.Message == "" {
		return ErrRejected
	}
	return fmt.Errorf("%w: %s", ErrRejected, f.Message)
}
