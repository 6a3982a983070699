package speech

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type State string

const (
	StateStopped   State = "stopped"
	StateBuffering State = "buffering"
	StatePlaying   State = "playing"
	StatePaused    State = "paused"
)

const (
	pathSpeechConfig = "speech.config"
	pathSSML         = "ssml"
	pathAudio        = "audio"
	pathTurnEnd      = "turn.end"

	defaultFlushThreshold = 64 << 10
)

var ErrSpeaking = errors.New("an utterance is already playing")

// Sink receives synthesized audio. Implementations own the actual playback
// device; Pause, Resume, Stop and Seek act on audio already handed over.
type Sink interface {
	Write(chunk []byte) error
	Pause() error
	Resume() error
	Stop() error
	Seek(by time.Duration) error
}

// Conn is the subset of a websocket connection the player drives. Satisfied
// by *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Config struct {
	Endpoint       string
	Voice          string
	OutputFormat   string
	FlushThreshold int
	Dialer         *websocket.Dialer
	// Dial overrides the websocket dialer, mainly for tests.
	Dial   func(ctx context.Context, endpoint string) (Conn, error)
	Sink   Sink
	Logger zerolog.Logger
}

// Player speaks one utterance at a time over a binary-framed websocket
// session. One session per utterance; frames are buffered and flushed to the
// sink at the threshold or on the turn-end control frame.
type Player struct {
	cfg  Config
	dial func(ctx context.Context, endpoint string) (Conn, error)

	mu    sync.Mutex
	state State
	conn  Conn
}

func NewPlayer(cfg Config) *Player {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = defaultFlushThreshold
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "audio-24khz-48kbitrate-mono-mp3"
	}
	dial := cfg.Dial
	if dial == nil {
		dialer := cfg.Dialer
		if dialer == nil {
			dialer = websocket.DefaultDialer
		}
		dial = func(ctx context.Context, endpoint string) (Conn, error) {
			c, _, err := dialer.DialContext(ctx, endpoint, nil)
			return c, err
		}
	}
	return &Player{
		cfg:   cfg,
		state: StateStopped,
		dial:  dial,
	}
}

func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Play synthesizes text and streams the audio to the sink. It returns when
// the turn-end frame arrives and the tail of the buffer is flushed. Only one
// utterance may be in flight.
func (p *Player) Play(ctx context.Context, text string) error {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return ErrSpeaking
	}
	p.state = StateBuffering
	p.mu.Unlock()

	defer p.setState(StateStopped)

	c, err := p.dial(ctx, p.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("dial synthesis endpoint: %w", err)
	}
	p.mu.Lock()
	p.conn = c
	p.mu.Unlock()
	defer func() {
		_ = c.Close()
		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
	}()

	if err := p.handshake(c); err != nil {
		return err
	}
	if err := p.speak(c, text); err != nil {
		return err
	}
	return p.consume(c)
}

func (p *Player) handshake(c Conn) error {
	payload, err := json.Marshal(map[string]any{
		"context": map[string]any{
			"synthesis": map[string]any{
				"audio": map[string]any{
					"metadataoptions": map[string]any{
						"sentenceBoundaryEnabled": false,
						"wordBoundaryEnabled":     false,
					},
					"outputFormat": p.cfg.OutputFormat,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal speech config: %w", err)
	}
	frame := EncodeTextFrame(map[string]string{
		"X-Timestamp":  time.Now().UTC().Format(time.RFC3339),
		"Content-Type": "application/json; charset=utf-8",
		"Path":         pathSpeechConfig,
	}, []string{"X-Timestamp", "Content-Type", "Path"}, string(payload))
	if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send speech config: %w", err)
	}
	return nil
}

func (p *Player) speak(c Conn, text string) error {
	var escaped strings.Builder
	if err := xml.EscapeText(&escaped, []byte(text)); err != nil {
		return fmt.Errorf("escape utterance: %w", err)
	}
	ssml := fmt.Sprintf(
		`<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="en-US"><voice name="%s">%s</voice></speak>`,
		p.cfg.Voice, escaped.String(),
	)
	frame := EncodeTextFrame(map[string]string{
		"X-RequestId":  uuid.NewString(),
		"X-Timestamp":  time.Now().UTC().Format(time.RFC3339),
		"Content-Type": "application/ssml+xml",
		"Path":         pathSSML,
	}, []string{"X-RequestId", "X-Timestamp", "Content-Type", "Path"}, ssml)
	if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send ssml: %w", err)
	}
	return nil
}

func (p *Player) consume(c Conn) error {
	var buffer []byte
	for {
		messageType, data, err := c.ReadMessage()
		if err != nil {
			return fmt.Errorf("read synthesis stream: %w", err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			frame, err := ParseBinaryFrame(data)
			if err != nil {
				return err
			}
			if frame.Path() != pathAudio {
				continue
			}
			buffer = append(buffer, frame.Payload...)
			if len(buffer) >= p.cfg.FlushThreshold {
				if err := p.flush(buffer); err != nil {
					return err
				}
				buffer = buffer[:0]
			}

		case websocket.TextMessage:
			frame := ParseTextFrame(data)
			if frame.Path() != pathTurnEnd {
				continue
			}
			if len(buffer) > 0 {
				if err := p.flush(buffer); err != nil {
					return err
				}
			}
			return nil
		}
	}
}

func (p *Player) flush(chunk []byte) error {
	if err := p.cfg.Sink.Write(chunk); err != nil {
		return fmt.Errorf("write audio chunk: %w", err)
	}
	p.mu.Lock()
	if p.state == StateBuffering {
		p.state = StatePlaying
	}
	p.mu.Unlock()
	return nil
}

// PauseResume toggles between playing and paused. A no-op in any other state.
func (p *Player) PauseResume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StatePlaying:
		if err := p.cfg.Sink.Pause(); err != nil {
			return err
		}
		p.state = StatePaused
	case StatePaused:
		if err := p.cfg.Sink.Resume(); err != nil {
			return err
		}
		p.state = StatePlaying
	}
	return nil
}

// Stop tears down the session and the sink. Safe to call in any state.
func (p *Player) Stop() error {
	p.mu.Lock()
	c := p.conn
	p.conn = nil
	p.state = StateStopped
	p.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
	return p.cfg.Sink.Stop()
}

func (p *Player) Seek(by time.Duration) error {
	return p.cfg.Sink.Seek(by)
}

func (p *Player) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}
