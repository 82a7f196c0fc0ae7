// Package speechmatics provides a Speechmatics-backed STT provider using the
// Speechmatics real-time transcription WebSocket API. It implements
// stt.Provider.
//
// Speechmatics acknowledges every AddAudio frame with an AudioAdded message
// carrying the highest sequence number it has consumed, which this package
// uses for backpressure: SendAudio blocks until the frame it just wrote is
// acknowledged (or the session closes), unlike deepgram and soniox's
// fire-and-forget SendAudio. This package implements a single streaming
// session with one dial-time "preseconds" pre-roll parameter (§4.3's
// Speechmatics path); the caller (internal/session) decides whether to push
// speech-profile audio ahead of live audio and is responsible for computing
// the preseconds value from the profile's clip duration.
package speechmatics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/relay/pkg/provider/stt"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

const (
	speechmaticsEndpoint = "wss://eu2.rt.speechmatics.com/v2"
	defaultLanguage      = "en"
	defaultSampleRate    = 16000
	ackTimeout           = 10 * time.Second
)

// Option is a functional option for configuring the Speechmatics Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the provider-level default audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// Provider implements stt.Provider backed by the Speechmatics streaming API.
type Provider struct {
	apiKey     string
	language   string
	sampleRate int
}

// New creates a new Speechmatics Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("speechmatics: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// startRecognitionMessage is the JSON control message sent immediately after
// the WebSocket handshake, before any audio is written.
type startRecognitionMessage struct {
	Message     string `json:"message"`
	AudioFormat struct {
		Type       string `json:"type"`
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sample_rate"`
	} `json:"audio_format"`
	TranscriptionConfig struct {
		Language       string `json:"language"`
		EnablePartials bool   `json:"enable_partials"`
	} `json:"transcription_config"`
}

// buildURL constructs the Speechmatics streaming endpoint URL, carrying
// preseconds as a dial-time query parameter (§4.3).
func (p *Provider) buildURL(cfg stt.StreamConfig) string {
	u, _ := url.Parse(speechmaticsEndpoint)
	q := u.Query()
	if cfg.PreSeconds > 0 {
		q.Set("preseconds", strconv.FormatFloat(cfg.PreSeconds, 'f', -1, 64))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// StartStream opens a streaming transcription session with Speechmatics.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL := p.buildURL(cfg)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("speechmatics: dial: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	start := startRecognitionMessage{Message: "StartRecognition"}
	start.AudioFormat.Type = "raw"
	start.AudioFormat.Encoding = "pcm_s16le"
	start.AudioFormat.SampleRate = sr
	start.TranscriptionConfig.Language = lang
	start.TranscriptionConfig.EnablePartials = true

	body, err := json.Marshal(start)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "marshal failed")
		return nil, fmt.Errorf("speechmatics: marshal StartRecognition: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, body); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "write failed")
		return nil, fmt.Errorf("speechmatics: send StartRecognition: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan relaytypes.Transcript, 64),
		finals:   make(chan relaytypes.Transcript, 64),
		audio:    make(chan audioRequest, 256),
		acked:    make(chan int64, 16),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.writeLoop(ctx)
	go sess.readLoop(ctx)

	return sess, nil
}

// ---- session ----

// audioRequest pairs an outbound audio chunk with the sequence number
// SendAudio is waiting to see acknowledged.
type audioRequest struct {
	chunk []byte
	seqNo int64
}

// speechmaticsAlternative is a single recognition hypothesis for a result.
type speechmaticsAlternative struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// speechmaticsResult is a single word/punctuation result within an
// AddTranscript or AddPartialTranscript message.
type speechmaticsResult struct {
	Type         string                    `json:"type"`
	IsEOS        bool                      `json:"is_eos"`
	Alternatives []speechmaticsAlternative `json:"alternatives"`
	StartTime    float64                   `json:"start_time"`
	EndTime      float64                   `json:"end_time"`
}

// speechmaticsMessage is the envelope every Speechmatics server message
// shares; Message discriminates the payload shape.
type speechmaticsMessage struct {
	Message string               `json:"message"`
	SeqNo   int64                `json:"seq_no"`
	Results []speechmaticsResult `json:"results"`
}

// session is a live Speechmatics streaming session. It implements
// stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan relaytypes.Transcript
	finals   chan relaytypes.Transcript
	audio    chan audioRequest
	acked    chan int64

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	seqMu sync.Mutex
	seqNo int64

	kwMu     sync.RWMutex
	keywords []relaytypes.KeywordBoost
}

// SendAudio queues chunk for delivery and blocks until Speechmatics
// acknowledges the frame's sequence number via AudioAdded, or the session
// closes, or ackTimeout elapses.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("speechmatics: session is closed")
	default:
	}

	s.seqMu.Lock()
	s.seqNo++
	seq := s.seqNo
	s.seqMu.Unlock()

	select {
	case s.audio <- audioRequest{chunk: chunk, seqNo: seq}:
	case <-s.done:
		return errors.New("speechmatics: session is closed")
	}

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()
	for {
		select {
		case acked := <-s.acked:
			if acked >= seq {
				return nil
			}
		case <-s.done:
			return errors.New("speechmatics: session is closed")
		case <-timer.C:
			return fmt.Errorf("speechmatics: ack for seq %d timed out after %s", seq, ackTimeout)
		}
	}
}

func (s *session) Partials() <-chan relaytypes.Transcript { return s.partials }
func (s *session) Finals() <-chan relaytypes.Transcript   { return s.finals }

// SetKeywords records the new keyword list for reference. Speechmatics'
// additional_vocab is fixed for the lifetime of a streaming session, so this
// returns an error wrapping errNotSupported.
func (s *session) SetKeywords(keywords []relaytypes.KeywordBoost) error {
	s.kwMu.Lock()
	s.keywords = keywords
	s.kwMu.Unlock()
	return fmt.Errorf("speechmatics: %w", errNotSupported)
}

var errNotSupported = errors.New("mid-session keyword updates are not supported")

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"message":"EndOfStream","last_seq_no":`+strconv.FormatInt(s.seqNo, 10)+`}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary AddAudio frames.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case req, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, req.chunk); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case req, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, req.chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Speechmatics and dispatches
// AudioAdded acks and AddTranscript results.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		var env speechmaticsMessage
		if err := json.Unmarshal(msg, &env); err != nil {
			continue
		}

		switch env.Message {
		case "AudioAdded":
			select {
			case s.acked <- env.SeqNo:
			case <-s.done:
			}
		case "AddTranscript", "AddPartialTranscript":
			t, ok := parseSpeechmaticsResult(env)
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
}

// parseSpeechmaticsResult folds one AddTranscript/AddPartialTranscript
// message's results into a single Transcript.
func parseSpeechmaticsResult(env speechmaticsMessage) (relaytypes.Transcript, bool) {
	if len(env.Results) == 0 {
		return relaytypes.Transcript{}, false
	}

	text := ""
	words := make([]relaytypes.WordDetail, 0, len(env.Results))
	var confSum float64
	n := 0
	for _, r := range env.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if text != "" {
			text += " "
		}
		text += alt.Content
		confSum += alt.Confidence
		n++
		words = append(words, relaytypes.WordDetail{
			Word:       alt.Content,
			Start:      time.Duration(r.StartTime * float64(time.Second)),
			End:        time.Duration(r.EndTime * float64(time.Second)),
			Confidence: alt.Confidence,
		})
	}
	if n == 0 {
		return relaytypes.Transcript{}, false
	}

	var timestamp, duration time.Duration
	if len(words) > 0 {
		timestamp = words[0].Start
		duration = words[len(words)-1].End - timestamp
	}

	return relaytypes.Transcript{
		Text:       text,
		IsFinal:    env.Message == "AddTranscript",
		Confidence: confSum / float64(n),
		Words:      words,
		Timestamp:  timestamp,
		Duration:   duration,
	}, true
}

var _ stt.Provider = (*Provider)(nil)
