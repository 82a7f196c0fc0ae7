// Package soniox provides a Soniox-backed STT provider using Soniox's
// real-time transcription WebSocket API. It implements stt.Provider.
//
// Unlike pkg/provider/stt/deepgram (dialed via coder/websocket, query-param
// configuration), Soniox is dialed via gorilla/websocket and configured by
// sending a single JSON config message immediately after the handshake,
// carrying the API key, audio format, and keyword list in the message body
// rather than the URL. This package implements a single streaming session;
// the dual primary/secondary-socket speech-profile priming sequence from
// §4.3 is orchestrated by internal/session, same as for deepgram.
package soniox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/relay/pkg/provider/stt"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

const (
	sonioxEndpoint    = "wss://stt-rt.soniox.com/transcribe-websocket"
	defaultModel      = "stt-rt-v2"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Soniox Provider.
type Option func(*Provider)

// WithModel sets the Soniox recognition model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the provider-level default audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// Provider implements stt.Provider backed by the Soniox streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// New creates a new Soniox Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("soniox: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// sonioxConfigMessage is the JSON config frame sent immediately after the
// WebSocket handshake, before any audio is written.
type sonioxConfigMessage struct {
	APIKey         string   `json:"api_key"`
	Model          string   `json:"model"`
	Language       string   `json:"language_hints,omitempty"`
	SampleRate     int      `json:"sample_rate"`
	NumChannels    int      `json:"num_channels"`
	EnableEndpoint bool     `json:"enable_endpoint_detection"`
	Keywords       []string `json:"keywords,omitempty"`
}

// StartStream opens a streaming transcription session with Soniox.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, sonioxEndpoint, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("soniox: dial: %w", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}

	keywords := make([]string, 0, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		keywords = append(keywords, kw.Keyword)
	}

	cfgMsg := sonioxConfigMessage{
		APIKey:         p.apiKey,
		Model:          p.model,
		Language:       lang,
		SampleRate:     sr,
		NumChannels:    channels,
		EnableEndpoint: true,
		Keywords:       keywords,
	}
	body, err := json.Marshal(cfgMsg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("soniox: marshal config: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("soniox: send config: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		conn:     conn,
		ctx:      sessCtx,
		cancel:   cancel,
		partials: make(chan relaytypes.Transcript, 64),
		finals:   make(chan relaytypes.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.writeLoop()
	go sess.readLoop()

	return sess, nil
}

// ---- session ----

// sonioxToken is a single recognized token in a Soniox transcribe-response.
type sonioxToken struct {
	Text       string  `json:"text"`
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
}

// sonioxResponse is the JSON structure returned by Soniox for a
// transcribe-response message.
type sonioxResponse struct {
	Tokens []sonioxToken `json:"tokens"`
}

// session is a live Soniox streaming session. It implements stt.SessionHandle.
type session struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	partials chan relaytypes.Transcript
	finals   chan relaytypes.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu       sync.RWMutex
	keywords []relaytypes.KeywordBoost
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("soniox: session is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("soniox: session is closed")
	}
}

func (s *session) Partials() <-chan relaytypes.Transcript { return s.partials }
func (s *session) Finals() <-chan relaytypes.Transcript   { return s.finals }

// SetKeywords records the new keyword list for reference. Soniox's keyword
// list is fixed for the lifetime of a streaming session, so this returns
// an error wrapping errNotSupported, same as deepgram.
func (s *session) SetKeywords(keywords []relaytypes.KeywordBoost) error {
	s.mu.Lock()
	s.keywords = keywords
	s.mu.Unlock()
	return fmt.Errorf("soniox: %w", errNotSupported)
}

var errNotSupported = errors.New("mid-session keyword updates are not supported")

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(""))
		s.wg.Wait()
		_ = s.conn.Close()
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Soniox.
func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.WriteMessage(websocket.BinaryMessage, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Soniox and dispatches them to the
// partials and finals channels.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		t, ok := parseSonioxResponse(msg)
		if !ok {
			continue
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-s.done:
			}
		} else {
			select {
			case s.partials <- t:
			case <-s.done:
			}
		}
	}
}

// parseSonioxResponse folds a token-stream response into a single Transcript.
// All tokens in one message share the same finality: Soniox flushes a
// message per recognition step, not per token.
func parseSonioxResponse(data []byte) (relaytypes.Transcript, bool) {
	var resp sonioxResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return relaytypes.Transcript{}, false
	}
	if len(resp.Tokens) == 0 {
		return relaytypes.Transcript{}, false
	}

	words := make([]relaytypes.WordDetail, 0, len(resp.Tokens))
	text := ""
	isFinal := resp.Tokens[0].IsFinal
	var confSum float64
	for _, tok := range resp.Tokens {
		text += tok.Text
		confSum += tok.Confidence
		words = append(words, relaytypes.WordDetail{
			Word:       tok.Text,
			Start:      time.Duration(tok.StartMs) * time.Millisecond,
			End:        time.Duration(tok.EndMs) * time.Millisecond,
			Confidence: tok.Confidence,
		})
	}

	var timestamp, duration time.Duration
	if len(words) > 0 {
		timestamp = words[0].Start
		duration = words[len(words)-1].End - timestamp
	}

	return relaytypes.Transcript{
		Text:       text,
		IsFinal:    isFinal,
		Confidence: confSum / float64(len(resp.Tokens)),
		Words:      words,
		Timestamp:  timestamp,
		Duration:   duration,
	}, true
}

var _ stt.Provider = (*Provider)(nil)
