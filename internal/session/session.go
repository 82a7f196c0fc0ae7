// Package session implements the per-connection streaming engine (§2–§5):
// the Socket Supervisor, Audio Ingress, STT Multiplexer, Transcript
// Processor, Finalization Timer, and Downstream Fan-out, all scoped to one
// client WebSocket connection.
//
// A Session owns all of its own mutable state (websocket_active, close
// code, rebase offsets, the in-progress conversation id); nothing here is
// shared across sessions except the process-wide cache and store, both
// accessed only through the pkg/memory interfaces.
//
// Grounded on internal/app/session_manager.go's lifecycle shape (mutex-
// protected active flag, reverse-order closers, a session-scoped
// context.WithCancel, structured slog logging), generalized from "one
// active voice session system-wide" to "one Session per concurrent client
// connection, arbitrarily many at once".
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/relay/internal/fanout"
	"github.com/MrWong99/relay/internal/finalize"
	"github.com/MrWong99/relay/internal/observe"
	"github.com/MrWong99/relay/pkg/broker"
	"github.com/MrWong99/relay/pkg/memory"
	"github.com/MrWong99/relay/pkg/provider/stt"
	"github.com/MrWong99/relay/pkg/provider/vad"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

// IdleThreshold re-exports finalize.IdleThreshold (conversation_creation_timeout)
// for callers that only import the session package.
const IdleThreshold = finalize.IdleThreshold

// heartbeatInterval is the keepalive cadence of §4.1's sendHeartbeat.
const heartbeatInterval = 10 * time.Second

// softTimeout is the soft session timeout of §4.1; disabled when
// Config.NoSocketTimeout is true (the NO_SOCKET_TIMEOUT environment
// variable, per §6, resolved by the caller before constructing Config).
const softTimeout = 420 * time.Second

// transcriptTickInterval is the Transcript Processor's drain cadence (§4.4).
const transcriptTickInterval = 300 * time.Millisecond

// Close codes, per §4.1 and §6.
const (
	CloseNormal  = 1001
	CloseAuth    = 1008
	CloseInternal = 1011
)

// Providers holds the STT upstreams and VAD engine a session may use,
// already instantiated by internal/config.Registry. Modeling this as a
// struct of named slots (rather than a single stt.Provider selected by
// string) is the "tagged variant" §9 calls for: the Audio Ingress and STT
// Multiplexer dispatch on which fields are non-nil rather than on a string
// comparison repeated at every call site.
type Providers struct {
	Deepgram     stt.Provider
	Soniox       stt.Provider
	Speechmatics stt.Provider
	VAD          vad.Engine
}

// SpeechProfileLookup retrieves a user's prerecorded speech profile audio,
// used to prime speaker identification per §4.3. A nil lookup or a profile
// of zero length means no profile is available; speechProfileDuration stays 0.
type SpeechProfileLookup interface {
	SpeechProfile(ctx context.Context, uid string) (audio []byte, clipDuration time.Duration, err error)
}

// Config carries everything needed to construct a Session: the connection
// parameters named in §2, plus every external collaborator the core
// consumes only through an interface (§1's "out of scope" list).
type Config struct {
	UID                  string
	Language             string
	SampleRate           int
	Codec                relaytypes.Codec
	Channels             int
	IncludeSpeechProfile bool
	STTService           string
	NoSocketTimeout      bool

	Conn      ClientConn
	Providers Providers

	Store         memory.ConversationStore
	Cache         memory.Cache
	Processor     finalize.MemoryProcessor
	Geo           finalize.GeoResolver
	SpeechProfile SpeechProfileLookup

	TranscriptDialer broker.Dialer
	AudioDialer      broker.Dialer
	AudioFanoutOn    bool

	Metrics *observe.Metrics
	Log     *slog.Logger
}

// Session is the per-connection streaming engine. Fields mirror §3.1's
// concrete type; the collaborators above are held unexported.
type Session struct {
	UID                  string
	Language             string
	SampleRate            int
	Codec                 relaytypes.Codec
	Channels              int
	IncludeSpeechProfile  bool
	STTService            string

	mu                    sync.Mutex
	websocketActive       bool
	closeCode             int
	startedAt             time.Time
	speechProfileDur      time.Duration
	profileAudio          []byte
	secondsToTrim         *float64
	secondsToAdd          *float64
	currentConversationID string

	noSocketTimeout bool
	conn            ClientConn
	providers       Providers

	store      memory.ConversationStore
	cache      memory.Cache
	finalizer  *finalize.Finalizer
	aggMgr     *finalize.AggregateManager
	timer      *finalize.Timer
	speechProf SpeechProfileLookup

	audioDialer      broker.Dialer
	transcriptDialer broker.Dialer
	audioFanoutOn    bool
	audioRelay       *fanout.AudioRelay
	transcriptRelay  *fanout.TranscriptRelay

	metrics *observe.Metrics
	log     *slog.Logger

	upstreams upstreamSet

	segMu  sync.Mutex
	segBuf []relaytypes.TranscriptSegment

	closers []func() error
}

// appendSegment adds seg to the Segment Buffer. Called by each upstream's
// dedicated transcript-draining goroutine (§4.3's "push callback"); the only
// consumer is the Transcript Processor's 300ms swap.
func (s *Session) appendSegment(seg relaytypes.TranscriptSegment) {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	s.segBuf = append(s.segBuf, seg)
}

// swapSegments atomically takes the accumulated Segment Buffer and resets
// it to empty (§3's "swap-and-reset pattern").
func (s *Session) swapSegments() []relaytypes.TranscriptSegment {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	if len(s.segBuf) == 0 {
		return nil
	}
	out := s.segBuf
	s.segBuf = nil
	return out
}

// peekSegments returns a copy of the Segment Buffer's current contents
// without draining it. Nothing in the session calls it; Finalize is never
// handed this residue.
func (s *Session) peekSegments() []relaytypes.TranscriptSegment {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	return append([]relaytypes.TranscriptSegment(nil), s.segBuf...)
}

// New constructs a Session from cfg. STTService is coerced from "soniox" to
// "deepgram" by the caller (internal/app), per §9 and the
// config.STTProviderConfig.CoerceSonioxToDeepgram flag; New itself just records whatever
// value it is given.
func New(cfg Config) (*Session, error) {
	if cfg.UID == "" {
		return nil, fmt.Errorf("session: uid is required")
	}
	if cfg.Conn == nil {
		return nil, fmt.Errorf("session: conn is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: store is required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		UID:                  cfg.UID,
		Language:             cfg.Language,
		SampleRate:           cfg.SampleRate,
		Codec:                cfg.Codec,
		Channels:             cfg.Channels,
		IncludeSpeechProfile: cfg.IncludeSpeechProfile,
		STTService:           cfg.STTService,

		noSocketTimeout: cfg.NoSocketTimeout,
		conn:            cfg.Conn,
		providers:       cfg.Providers,

		store:      cfg.Store,
		cache:      cfg.Cache,
		speechProf: cfg.SpeechProfile,

		audioDialer:      cfg.AudioDialer,
		transcriptDialer: cfg.TranscriptDialer,
		audioFanoutOn:    cfg.AudioFanoutOn,

		metrics: cfg.Metrics,
		log:     log,
	}

	s.finalizer = finalize.New(cfg.Store, cfg.Cache, cfg.Processor, s, finalize.WithGeoResolver(cfg.Geo), finalize.WithLogger(log))
	s.aggMgr = finalize.NewAggregateManager(s.finalizer, cfg.UID, cfg.Language)
	s.timer = finalize.NewTimer(s.finalizer, cfg.UID)

	return s, nil
}

// IsActive reports whether the session's websocket is still considered
// connected.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.websocketActive
}

// segmentBufEmpty reports whether the Segment Buffer currently holds no
// batch awaiting drain. Used by the processor loop's "active ||
// buffer non-empty" exit condition (§5).
func (s *Session) segmentBufEmpty() bool {
	s.segMu.Lock()
	defer s.segMu.Unlock()
	return len(s.segBuf) == 0
}

// shutdown idempotently flips websocket_active false and closes the client
// connection with code, per §4.1.
func (s *Session) shutdown(code int) {
	s.mu.Lock()
	if !s.websocketActive {
		s.mu.Unlock()
		return
	}
	s.websocketActive = false
	s.closeCode = code
	s.mu.Unlock()

	if err := s.conn.Close(code, closeReason(code)); err != nil {
		s.log.Warn("session: close failed", "uid", s.UID, "error", err)
	}
}

func closeReason(code int) string {
	switch code {
	case CloseAuth:
		return "unauthorized"
	case CloseInternal:
		return "internal error"
	default:
		return "normal closure"
	}
}

// addCloser registers fn to run, in reverse order, during Run's teardown.
func (s *Session) addCloser(fn func() error) {
	s.closers = append(s.closers, fn)
}

// runClosers invokes every registered closer in reverse registration order,
// logging (not propagating) individual failures — teardown must not abort
// partway through.
func (s *Session) runClosers() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("session: closer failed", "uid", s.UID, "error", err)
		}
	}
}

// Run drives the session to completion: the startup status sequence,
// continuity/catch-up, then all six activities until the connection closes
// or ctx is cancelled. It returns once every activity has exited and
// buffers have flushed.
//
// Grounded on internal/app/session_manager.go's Start/Stop pair, generalized
// via golang.org/x/sync/errgroup so that a Socket Supervisor failure
// cancels every sibling activity (§5's single websocket_active coordination
// flag, implemented here as group-wide context cancellation plus the flag
// itself for buffer-flush checks).
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.runClosers()

	s.mu.Lock()
	s.websocketActive = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	if err := s.sendServiceStatus(ctx, "initiating", ""); err != nil {
		return fmt.Errorf("session: send initiating status: %w", err)
	}

	if err := s.runCatchUpAndContinuity(ctx); err != nil {
		s.log.Warn("session: catch-up/continuity failed", "uid", s.UID, "error", err)
	}

	if err := s.sendServiceStatus(ctx, "stt_initiating", ""); err != nil {
		return fmt.Errorf("session: send stt_initiating status: %w", err)
	}

	if err := s.openUpstreams(ctx); err != nil {
		s.shutdown(CloseInternal)
		return fmt.Errorf("session: open stt upstreams: %w", err)
	}
	s.addCloser(s.closeUpstreams)

	if s.transcriptDialer != nil {
		if err := s.startTranscriptFanout(ctx); err != nil {
			s.shutdown(CloseInternal)
			return fmt.Errorf("session: start transcript fan-out: %w", err)
		}
	}
	if s.audioFanoutOn && s.audioDialer != nil {
		if err := s.startAudioFanout(ctx); err != nil {
			s.shutdown(CloseInternal)
			return fmt.Errorf("session: start audio fan-out: %w", err)
		}
	}

	if err := s.sendServiceStatus(ctx, "ready", ""); err != nil {
		return fmt.Errorf("session: send ready status: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.heartbeatLoop(gctx, cancel); return nil })
	g.Go(func() error { return s.audioIngressLoop(gctx) })
	g.Go(func() error { s.consumeUpstreamFinals(gctx); return nil })
	g.Go(func() error { s.transcriptProcessorLoop(gctx); return nil })
	if s.transcriptRelay != nil {
		g.Go(func() error { s.transcriptRelay.Run(gctx, s.IsActive); return nil })
	}
	if s.audioRelay != nil {
		g.Go(func() error { s.audioRelay.Run(gctx, s.IsActive); return nil })
	}

	err := g.Wait()
	s.timer.Cancel()
	if s.closeCode == 0 {
		s.shutdown(CloseNormal)
	}
	return err
}

// runCatchUpAndContinuity performs the two supplemented start-of-session
// activities (§12): emitting in_progress_memories_processing while any
// `processing` conversations for the uid are replayed through finalization,
// emitting last_memory if the uid has a completed conversation, then
// resolving continuity with an existing in-progress conversation (§4.6).
func (s *Session) runCatchUpAndContinuity(ctx context.Context) error {
	if err := s.sendServiceStatus(ctx, "in_progress_memories_processing", ""); err != nil {
		return err
	}
	if err := s.finalizer.CatchUp(ctx, s.UID); err != nil {
		s.log.Warn("session: catch-up finalize failed", "uid", s.UID, "error", err)
	}

	if last, err := s.store.GetLastCompleted(ctx, s.UID); err == nil && last != nil {
		if err := s.sendLastMemory(ctx, last.ID); err != nil {
			s.log.Warn("session: send last_memory failed", "uid", s.UID, "error", err)
		}
	}

	cont, ok, err := s.aggMgr.Resolve(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("resolve continuity: %w", err)
	}
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.secondsToAdd = &cont.SecondsToAdd
	s.currentConversationID = cont.ConversationID
	s.mu.Unlock()

	if cont.ImmediatelyFinalize {
		if err := s.finalizer.Finalize(ctx, cont.ConversationID); err != nil {
			s.log.Warn("session: immediate finalize failed", "uid", s.UID, "error", err)
		}
		return nil
	}
	s.timer.Arm(cont.ConversationID, cont.Witness, cont.ArmDelay)
	return nil
}
