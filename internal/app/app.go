// Package app wires the relay's subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems (STT/VAD providers, the conversation store, the cache, the
// downstream broker dialers), Mux and Handler return the configured router, and
// Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithCache, WithAuthenticator, etc.). When an option is not provided, New
// creates a real implementation from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/relay/internal/cachekv"
	"github.com/MrWong99/relay/internal/config"
	"github.com/MrWong99/relay/internal/finalize"
	"github.com/MrWong99/relay/internal/health"
	"github.com/MrWong99/relay/internal/observe"
	"github.com/MrWong99/relay/internal/session"
	"github.com/MrWong99/relay/internal/storepg"
	"github.com/MrWong99/relay/pkg/broker"
	"github.com/MrWong99/relay/pkg/memory"
	"github.com/MrWong99/relay/pkg/provider/stt"
	"github.com/MrWong99/relay/pkg/provider/vad"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

// Providers holds one provider instance per STT backend slot, plus the VAD
// engine, as selected by the config's provider entries. A nil slot means
// that backend was not configured; a session whose (possibly coerced)
// stt_service names a nil slot fails to open with close code 1011, per
// §4.3's "failure to open any upstream is fatal".
type Providers struct {
	Deepgram     stt.Provider
	Soniox       stt.Provider
	Speechmatics stt.Provider
	VAD          vad.Engine
}

// Authenticator resolves the uid for an inbound /v3/listen request.
// Authentication of the connecting client is explicitly out of scope of the
// core streaming engine (§1); App only needs a uid to hand to
// session.Config. The default implementation reads the "X-User-Id" header,
// which is sufficient for a relay sitting behind an authenticating gateway.
type Authenticator func(r *http.Request) (uid string, ok bool)

func headerAuthenticator(r *http.Request) (string, bool) {
	uid := r.Header.Get("X-User-Id")
	return uid, uid != ""
}

// App owns all subsystem lifetimes and serves the relay's HTTP surface.
type App struct {
	cfg       *config.Config
	providers Providers

	store     memory.ConversationStore
	cache     memory.Cache
	processor finalize.MemoryProcessor
	geo       finalize.GeoResolver
	speechLookup session.SpeechProfileLookup
	authenticate Authenticator

	transcriptDialer broker.Dialer
	audioDialer      broker.Dialer
	audioFanoutOn    func(uid string) bool

	metrics *observe.Metrics
	health  *health.Handler

	mu       sync.Mutex
	sessions map[string]*session.Session

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of creating one from config.
func WithStore(s memory.ConversationStore) Option {
	return func(a *App) { a.store = s }
}

// WithCache injects a cache instead of creating one from config.
func WithCache(c memory.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithMemoryProcessor injects the post-capture memory processor. When not
// provided, New installs a pass-through processor that emits no plugin
// messages — post-capture processing is an external collaborator out of
// scope of the core (§1).
func WithMemoryProcessor(p finalize.MemoryProcessor) Option {
	return func(a *App) { a.processor = p }
}

// WithGeoResolver injects the reverse-geocoding collaborator. When absent,
// finalization's geolocation step is skipped, matching finalize.Finalizer's
// own nil-geo behavior.
func WithGeoResolver(g finalize.GeoResolver) Option {
	return func(a *App) { a.geo = g }
}

// WithSpeechProfileLookup injects the speech-profile audio lookup used to
// prime speaker identification (§4.3).
func WithSpeechProfileLookup(l session.SpeechProfileLookup) Option {
	return func(a *App) { a.speechLookup = l }
}

// WithAuthenticator overrides the default header-based uid resolution.
func WithAuthenticator(authn Authenticator) Option {
	return func(a *App) { a.authenticate = authn }
}

// WithAudioFanoutPolicy overrides the default (fan-out disabled) policy for
// whether a uid's audio buffer is forwarded downstream (§4.7: "enabled only
// if the uid has an audio-bytes webhook configured... or an audio-bytes
// consumer app is enabled").
func WithAudioFanoutPolicy(enabled func(uid string) bool) Option {
	return func(a *App) { a.audioFanoutOn = enabled }
}

// WithMetrics injects a pre-built Metrics instance instead of the process
// default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New wires all subsystems together from cfg, registering STT/VAD provider
// factories from registry. Use Option functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:           cfg,
		authenticate:  headerAuthenticator,
		audioFanoutOn: func(string) bool { return false },
		sessions:      make(map[string]*session.Session),
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initProviders(registry); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initCache(ctx); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}
	a.initBroker()
	if a.processor == nil {
		a.processor = passthroughProcessor{}
	}

	a.health = health.New(a.healthCheckers()...)

	return a, nil
}

// passthroughProcessor is the default finalize.MemoryProcessor: it performs
// no structuring/summarization/plugin dispatch and emits no messages. Real
// post-capture processing is an external collaborator out of scope of the
// core (§1); this keeps finalization's six-step sequence runnable without
// one configured.
type passthroughProcessor struct{}

func (passthroughProcessor) Process(context.Context, *relaytypes.ConversationAggregate) ([]finalize.PluginMessage, error) {
	return nil, nil
}

// initProviders instantiates the configured STT and VAD providers via
// registry, placing each STT provider into the slot matching its config
// entry's name.
func (a *App) initProviders(registry *config.Registry) error {
	entry := a.cfg.Providers.STT.Default
	if entry.Name != "" {
		p, err := registry.CreateSTT(entry)
		if err != nil {
			return fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		switch entry.Name {
		case "deepgram":
			a.providers.Deepgram = p
		case "soniox":
			a.providers.Soniox = p
		case "speechmatics":
			a.providers.Speechmatics = p
		}
	}

	if a.cfg.Providers.VAD.Name != "" {
		v, err := registry.CreateVAD(a.cfg.Providers.VAD)
		if err != nil {
			return fmt.Errorf("create vad provider %q: %w", a.cfg.Providers.VAD.Name, err)
		}
		a.providers.VAD = v
	}

	return nil
}

// initStore connects the PostgreSQL-backed ConversationStore unless one was
// injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Store.PostgresDSN == "" {
		return fmt.Errorf("store.postgres_dsn is required when a store is not injected")
	}
	st, err := storepg.NewStore(ctx, a.cfg.Store.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func() error { st.Close(); return nil })
	return nil
}

// initCache connects the Redis-backed Cache unless one was injected.
func (a *App) initCache(ctx context.Context) error {
	if a.cache != nil {
		return nil
	}
	if a.cfg.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required when a cache is not injected")
	}
	client := redis.NewClient(&redis.Options{Addr: a.cfg.Cache.RedisAddr, DB: a.cfg.Cache.RedisDB})
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("app: ping redis: %w", err)
	}
	a.cache = cachekv.New(client)
	a.closers = append(a.closers, client.Close)
	return nil
}

// initBroker builds the downstream broker dialers from config.
func (a *App) initBroker() {
	if a.cfg.Broker.TranscriptURL != "" {
		a.transcriptDialer = broker.NewWSDialer(a.cfg.Broker.TranscriptURL)
	}
	if a.cfg.Broker.AudioURL != "" {
		a.audioDialer = broker.NewWSDialer(a.cfg.Broker.AudioURL)
	}
}

func (a *App) healthCheckers() []health.Checker {
	var checks []health.Checker
	if pinger, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, health.Checker{Name: "store", Check: pinger.Ping})
	}
	return checks
}

// Mux returns the bare HTTP router serving /v3/listen and the health
// endpoints, without the observability middleware wrapper — useful for
// tests that want to assert on routes directly.
func (a *App) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/listen", a.handleListen)
	a.health.Register(mux)
	return mux
}

// Handler returns the fully wrapped HTTP handler (routes + observability
// middleware) for use with http.Server.
func (a *App) Handler() http.Handler {
	return observe.Middleware(a.metrics)(a.Mux())
}

// ActiveSessions returns the number of currently tracked sessions.
func (a *App) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers), "active_sessions", a.ActiveSessions())

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

// handleListen implements the §6 /v3/listen endpoint: parses query
// parameters, authenticates the connection, accepts the WebSocket, and runs
// a session to completion.
func (a *App) handleListen(w http.ResponseWriter, r *http.Request) {
	uid, ok := a.authenticate(r)
	if !ok || uid == "" {
		conn, err := session.AcceptClientConn(w, r, 0)
		if err == nil {
			_ = conn.Close(session.CloseAuth, "missing or invalid uid")
		}
		return
	}

	params := parseListenParams(r.URL.Query())

	conn, err := session.AcceptClientConn(w, r, 1<<20)
	if err != nil {
		slog.Warn("app: accept websocket failed", "uid", uid, "err", err)
		return
	}

	_, envNoSocketTimeout := os.LookupEnv("NO_SOCKET_TIMEOUT")
	sess, err := session.New(session.Config{
		UID:                  uid,
		Language:             params.language,
		SampleRate:           params.sampleRate,
		Codec:                params.codec,
		Channels:             params.channels,
		IncludeSpeechProfile: params.includeSpeechProfile,
		STTService:           a.effectiveSTTService(params.sttService),
		NoSocketTimeout:      a.cfg.Server.NoSocketTimeout || envNoSocketTimeout,

		Conn:      conn,
		Providers: session.Providers(a.providers),

		Store:         a.store,
		Cache:         a.cache,
		Processor:     a.processor,
		Geo:           a.geo,
		SpeechProfile: a.speechLookup,

		TranscriptDialer: a.transcriptDialer,
		AudioDialer:      a.audioDialer,
		AudioFanoutOn:    a.audioFanoutOn(uid),

		Metrics: a.metrics,
		Log:     slog.Default(),
	})
	if err != nil {
		slog.Warn("app: construct session failed", "uid", uid, "err", err)
		_ = conn.Close(session.CloseInternal, "session init failed")
		return
	}

	a.trackSession(uid, sess)
	defer a.untrackSession(uid)

	a.metrics.ActiveSessions.Add(r.Context(), 1)
	defer a.metrics.ActiveSessions.Add(r.Context(), -1)

	if err := sess.Run(r.Context()); err != nil {
		slog.Warn("app: session ended with error", "uid", uid, "err", err)
	}
}

// effectiveSTTService applies the soniox->deepgram coercion described in
// §4.3/§9, gated by the config flag so the historical behavior can be
// disabled without a code change.
func (a *App) effectiveSTTService(requested string) string {
	if requested == "soniox" && a.cfg.Providers.STT.CoerceSonioxToDeepgram {
		return "deepgram"
	}
	return requested
}

func (a *App) trackSession(uid string, sess *session.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[uid] = sess
}

func (a *App) untrackSession(uid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, uid)
}

// listenParams holds the parsed /v3/listen query parameters (§6).
type listenParams struct {
	language             string
	sampleRate           int
	codec                relaytypes.Codec
	channels             int
	includeSpeechProfile bool
	sttService           string
}

func parseListenParams(q url.Values) listenParams {
	p := listenParams{
		language:             q.Get("language"),
		sampleRate:           8000,
		codec:                relaytypes.CodecPCM8,
		channels:             1,
		includeSpeechProfile: true,
		sttService:           "soniox",
	}
	if p.language == "" {
		p.language = "en"
	}
	if v, err := strconv.Atoi(q.Get("sample_rate")); err == nil && v > 0 {
		p.sampleRate = v
	}
	if c := q.Get("codec"); c != "" {
		p.codec = relaytypes.Codec(c)
	}
	if v, err := strconv.Atoi(q.Get("channels")); err == nil && v > 0 {
		p.channels = v
	}
	if v, err := strconv.ParseBool(q.Get("include_speech_profile")); err == nil {
		p.includeSpeechProfile = v
	}
	if s := q.Get("stt_service"); s != "" {
		p.sttService = s
	}
	return p
}
