package session

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/echoctl/internal/protocol/frame"
	"github.com/danmuck/echoctl/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestBackoffJitterStaysInBand(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 4 * time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for attempt := 2; attempt < 8; attempt++ {
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < time.Second || got > cfg.MaxDelay {
			t.Fatalf("attempt%d out of band: %v", attempt, got)
		}
	}
}

func TestBackoffJitterNeverExceedsMaxDelay(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, Jitter: true}
	for seed := int64(1); seed <= 50; seed++ {
		rng := rand.New(rand.NewSource(seed))
		for attempt := 1; attempt < 12; attempt++ {
			if got := NextBackoffDelay(cfg, attempt, rng); got > cfg.MaxDelay {
				t.Fatalf("seed %d attempt%d: %v exceeds max %v", seed, attempt, got, cfg.MaxDelay)
			}
		}
	}
	// Without an rng the jitter factor is 0.5, applied before the cap.
	if got := NextBackoffDelay(cfg, 10, nil); got != cfg.MaxDelay {
		t.Fatalf("capped nil-rng delay got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != 2*time.Second {
		t.Fatalf("attempt3 nil-rng got=%v", got)
	}
}

func TestBackoffResetsAfterSuccess(t *testing.T) {
	testlog.Start(t)
	b := NewBackoff(BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}, nil)
	if got := b.Next(); got != time.Second {
		t.Fatalf("first got=%v", got)
	}
	if got := b.Next(); got != 2*time.Second {
		t.Fatalf("second got=%v", got)
	}
	b.Reset()
	if b.Attempt() != 0 {
		t.Fatalf("attempt not reset: %d", b.Attempt())
	}
	if got := b.Next(); got != time.Second {
		t.Fatalf("after reset got=%v", got)
	}
}

func TestHandshakeFrames(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Hello("s.1", "alice", "bob", "lossy")); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	if err := WriteFrame(&buf, Reject("s.1", "busy")); err != nil {
		t.Fatalf("write reject: %v", err)
	}
	r := bufio.NewReader(&buf)
	hello, err := ExpectFrame(r, FrameHello)
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.From != "alice" || hello.To != "bob" || hello.Transport != "lossy" {
		t.Fatalf("unexpected hello: %+v", hello)
	}
	ack, err := ExpectFrame(r, FrameHelloAck)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if err := AckError(ack); !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "busy") {
		t.Fatalf("expected rejected ack, got %v", err)
	}
}

func TestFrameValidation(t *testing.T) {
	testlog.Start(t)
	if err := WriteFrame(&bytes.Buffer{}, Frame{Type: FrameHello, From: "alice"}); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected invalid hello, got %v", err)
	}
	if err := WriteFrame(&bytes.Buffer{}, Frame{Type: "bogus"}); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected invalid type, got %v", err)
	}

	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, 99, nil, frame.DefaultLimits()); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected unknown message type error, got %v", err)
	}

	buf.Reset()
	if err := frame.WriteFrame(&buf, MsgData, []byte{0x00, 0x07, 0x07}, frame.DefaultLimits()); err != nil {
		t.Fatalf("write raw frame: %v", err)
	}
	if _, err := ReadFrame(&buf); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected malformed fields error, got %v", err)
	}

	buf.Reset()
	if err := WriteFrame(&buf, Close()); err != nil {
		t.Fatalf("write close: %v", err)
	}
	if _, err := ExpectFrame(&buf, FrameData); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected type mismatch, got %v", err)
	}
}

func TestDataFrameCarriesBinaryPayload(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	payload := []byte{0x00, '\n', 0xff, 'h', 'i'}
	if err := WriteFrame(&buf, Data(payload)); err != nil {
		t.Fatalf("write data: %v", err)
	}
	if err := WriteFrame(&buf, Close()); err != nil {
		t.Fatalf("write close: %v", err)
	}
	r := bufio.NewReader(&buf)
	f, err := ExpectFrame(r, FrameData)
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	if !bytes.Equal(f.Data, payload) {
		t.Fatalf("payload mismatch: %v", f.Data)
	}
	if _, err := ExpectFrame(r, FrameClose); err != nil {
		t.Fatalf("read close: %v", err)
	}
	if _, err := ReadFrame(r); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestFrameSizeLimits(t *testing.T) {
	testlog.Start(t)
	huge := bytes.Repeat([]byte("a"), MaxFrameBytes+10)
	if err := WriteFrame(&bytes.Buffer{}, Data(huge)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on write, got %v", err)
	}
	header := frame.EncodeHeader(frame.Header{
		Magic:       frame.Magic,
		Version:     frame.Version,
		MessageType: MsgData,
		PayloadLen:  MaxFrameBytes + 1,
	})
	if _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge on read, got %v", err)
	}
	if _, err := ReadFrame(strings.NewReader("EC")); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF for short header, got %v", err)
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.ConnectTimeout != 10*time.Second || cfg.MaxReadBytes != 1024 || cfg.ReadTimeout != 30*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	cfg.MaxReadBytes = 0
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
