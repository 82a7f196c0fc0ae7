package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/relay/pkg/provider/stt"
	"github.com/MrWong99/relay/pkg/relaytypes"
)

// profileGraceSeconds is added to the speech profile clip's duration to get
// speech_profile_duration (§4.3).
const profileGraceSeconds = 5 * time.Second

// upstreamSet holds whichever STT upstreams a session opened, modeled as
// named slots rather than a single stt.Provider chosen by string — the
// tagged-variant shape §9 asks for, so the Audio Ingress dispatch policy
// and teardown both switch on "which fields are non-nil" instead of
// repeating a provider-name string comparison at every call site.
type upstreamSet struct {
	deepgramPrimary   stt.SessionHandle
	deepgramSecondary stt.SessionHandle
	soniox            stt.SessionHandle
	speechmatics      stt.SessionHandle
}

// openUpstreams implements §4.3's STT Multiplexer: resolves
// speech_profile_duration, then opens whichever upstream(s) s.STTService
// calls for. The soniox->deepgram coercion of §4.3/§9 is applied once, at
// session construction (internal/app.effectiveSTTService), gated on
// config.STTProviderConfig.CoerceSonioxToDeepgram — s.STTService here is
// already the effective name and must not be rewritten again, or the
// config flag would have no effect. Any failure to open an upstream is
// fatal, per §4.3's "failure to open any upstream is fatal".
func (s *Session) openUpstreams(ctx context.Context) error {
	if err := s.resolveSpeechProfileDuration(ctx); err != nil {
		s.log.Warn("session: speech profile lookup failed", "uid", s.UID, "error", err)
	}

	cfg := stt.StreamConfig{
		SampleRate: s.SampleRate,
		Channels:   s.Channels,
		Language:   s.Language,
		PreSeconds: s.speechProfileDuration().Seconds(),
	}

	switch s.STTService {
	case "deepgram":
		return s.openDeepgram(ctx, cfg)
	case "soniox":
		return s.openSoniox(ctx, cfg)
	case "speechmatics":
		return s.openSpeechmatics(ctx, cfg)
	default:
		return fmt.Errorf("session: unknown stt_service %q", s.STTService)
	}
}

func (s *Session) resolveSpeechProfileDuration(ctx context.Context) error {
	if s.Language != "en" || !s.IncludeSpeechProfile || s.speechProf == nil {
		return nil
	}
	if s.Codec != relaytypes.CodecOpus && s.Codec != relaytypes.CodecPCM16 {
		return nil
	}

	audio, clipDuration, err := s.speechProf.SpeechProfile(ctx, s.UID)
	if err != nil {
		return err
	}
	if len(audio) == 0 {
		return nil
	}

	s.mu.Lock()
	s.profileAudio = audio
	s.speechProfileDur = clipDuration + profileGraceSeconds
	s.mu.Unlock()
	return nil
}

func (s *Session) speechProfileDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speechProfileDur
}

func (s *Session) profileAudioBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profileAudio
}

// openDeepgram opens a primary Deepgram upstream always, and — when a
// speech profile is in effect — a secondary, profile-primed upstream that
// the Audio Ingress dispatch policy prefers during the profile window (§4.3,
// §12/S1: "two Deepgram upstreams opened; profile bytes pushed to
// secondary").
func (s *Session) openDeepgram(ctx context.Context, cfg stt.StreamConfig) error {
	if s.providers.Deepgram == nil {
		return fmt.Errorf("session: deepgram provider not configured")
	}

	primary, err := s.providers.Deepgram.StartStream(ctx, cfg)
	if err != nil {
		return fmt.Errorf("session: open deepgram primary: %w", err)
	}
	s.upstreams.deepgramPrimary = primary

	if s.speechProfileDuration() <= 0 {
		return nil
	}

	secondary, err := s.providers.Deepgram.StartStream(ctx, cfg)
	if err != nil {
		_ = primary.Close()
		return fmt.Errorf("session: open deepgram secondary: %w", err)
	}
	s.upstreams.deepgramSecondary = secondary

	profile := s.profileAudioBytes()
	if len(profile) > 0 {
		go func() {
			if err := secondary.SendAudio(profile); err != nil {
				s.log.Warn("session: prime deepgram secondary with speech profile failed", "uid", s.UID, "error", err)
			}
		}()
	}
	return nil
}

// openSoniox opens a single Soniox upstream, passing the uid as a keyword
// boost when a speech profile is enabled (§4.3).
func (s *Session) openSoniox(ctx context.Context, cfg stt.StreamConfig) error {
	if s.providers.Soniox == nil {
		return fmt.Errorf("session: soniox provider not configured")
	}
	if s.IncludeSpeechProfile {
		cfg.Keywords = append(cfg.Keywords, relaytypes.KeywordBoost{Keyword: s.UID, Boost: 1})
	}
	handle, err := s.providers.Soniox.StartStream(ctx, cfg)
	if err != nil {
		return fmt.Errorf("session: open soniox: %w", err)
	}
	s.upstreams.soniox = handle
	return nil
}

// openSpeechmatics opens a single Speechmatics upstream with
// PreSeconds = speech_profile_duration, priming it with the profile audio
// before client audio arrives when a profile is in effect (§4.3).
func (s *Session) openSpeechmatics(ctx context.Context, cfg stt.StreamConfig) error {
	if s.providers.Speechmatics == nil {
		return fmt.Errorf("session: speechmatics provider not configured")
	}
	handle, err := s.providers.Speechmatics.StartStream(ctx, cfg)
	if err != nil {
		return fmt.Errorf("session: open speechmatics: %w", err)
	}
	s.upstreams.speechmatics = handle

	profile := s.profileAudioBytes()
	if s.speechProfileDuration() > 0 && len(profile) > 0 {
		if err := handle.SendAudio(profile); err != nil {
			s.log.Warn("session: prime speechmatics with speech profile failed", "uid", s.UID, "error", err)
		}
	}
	return nil
}

// closeUpstreams closes every open upstream exactly once, registered as a
// teardown closer by Run.
func (s *Session) closeUpstreams() error {
	handles := []stt.SessionHandle{
		s.upstreams.deepgramPrimary,
		s.upstreams.deepgramSecondary,
		s.upstreams.soniox,
		s.upstreams.speechmatics,
	}
	var firstErr error
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// closeDeepgramSecondary closes the secondary Deepgram upstream exactly
// once, called by the Audio Ingress loop on the profile-window-to-primary
// transition (§4.2).
func (s *Session) closeDeepgramSecondary() {
	s.mu.Lock()
	h := s.upstreams.deepgramSecondary
	s.upstreams.deepgramSecondary = nil
	s.mu.Unlock()

	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		s.log.Warn("session: close deepgram secondary failed", "uid", s.UID, "error", err)
	}
}

// consumeUpstreamFinals starts one draining goroutine per open upstream's
// Finals channel and blocks until ctx is cancelled and every such goroutine
// has exited. Each final Transcript is converted to a
// relaytypes.TranscriptSegment and appended to the Segment Buffer — this is
// the push callback §4.3 describes, implemented as one goroutine per
// channel rather than a single shared callback, since each upstream already
// exposes its finals as an independent channel.
func (s *Session) consumeUpstreamFinals(ctx context.Context) {
	var wg sync.WaitGroup
	drain := func(h stt.SessionHandle) {
		if h == nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t, ok := <-h.Finals():
					if !ok {
						return
					}
					s.appendSegment(transcriptToSegment(t))
				}
			}
		}()
	}

	drain(s.upstreams.deepgramPrimary)
	drain(s.upstreams.deepgramSecondary)
	drain(s.upstreams.soniox)
	drain(s.upstreams.speechmatics)
	wg.Wait()
}

// transcriptToSegment bridges stt.Transcript's provider-native SpeakerID
// string onto relaytypes.TranscriptSegment's {Speaker, SpeakerID, IsUser}
// triple (§3's "speaker_id: int derived from speaker suffix"). An empty
// speaker tag means the provider attributed the utterance to the connected
// user; any other tag is parsed as "SPEAKER_NN" or a bare integer, falling
// back to speaker 0 when it parses as neither.
func transcriptToSegment(t relaytypes.Transcript) relaytypes.TranscriptSegment {
	if t.SpeakerID == "" {
		return relaytypes.TranscriptSegment{
			Text:    t.Text,
			Speaker: "SPEAKER_00",
			IsUser:  true,
			Start:   t.Timestamp.Seconds(),
			End:     (t.Timestamp + t.Duration).Seconds(),
		}
	}

	id := 0
	numeric := strings.TrimPrefix(t.SpeakerID, "SPEAKER_")
	if n, err := strconv.Atoi(numeric); err == nil {
		id = n
	}

	return relaytypes.TranscriptSegment{
		Text:      t.Text,
		Speaker:   fmt.Sprintf("SPEAKER_%02d", id),
		SpeakerID: id,
		Start:     t.Timestamp.Seconds(),
		End:       (t.Timestamp + t.Duration).Seconds(),
	}
}
