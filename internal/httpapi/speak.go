package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"omnichat/internal/speech"
)

var errStreamStopped = errors.New("audio stream stopped")

// streamSink hands synthesized audio to an HTTP response as it arrives.
// Pause blocks further writes until Resume; Stop fails them. Seek has no
// meaning on a live stream.
type streamSink struct {
	w     http.ResponseWriter
	flush http.Flusher

	mu      sync.Mutex
	cond    *sync.Cond
	paused  bool
	stopped bool
	wrote   bool
}

func newStreamSink(w http.ResponseWriter) *streamSink {
	s := &streamSink{w: w}
	s.cond = sync.NewCond(&s.mu)
	if f, ok := w.(http.Flusher); ok {
		s.flush = f
	}
	return s
}

func (s *streamSink) Write(chunk []byte) error {
	s.mu.Lock()
	for s.paused && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		s.mu.Unlock()
		return errStreamStopped
	}
	s.wrote = true
	s.mu.Unlock()

	if _, err := s.w.Write(chunk); err != nil {
		return err
	}
	if s.flush != nil {
		s.flush.Flush()
	}
	return nil
}

func (s *streamSink) Pause() error {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	return nil
}

func (s *streamSink) Resume() error {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

func (s *streamSink) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

func (s *streamSink) Seek(time.Duration) error {
	return errors.New("seek is not supported on a live stream")
}

func (s *streamSink) wroteAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrote
}

func (a *API) speak(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Speaker == nil {
		writeError(w, http.StatusNotFound, "speech synthesis is not configured")
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	sink := newStreamSink(w)
	player := a.cfg.Speaker(sink)

	a.speakMu.Lock()
	if a.speaker != nil && a.speaker.State() != speech.StateStopped {
		a.speakMu.Unlock()
		writeError(w, http.StatusConflict, speech.ErrSpeaking.Error())
		return
	}
	a.speaker = player
	a.speakMu.Unlock()

	w.Header().Set("Content-Type", "audio/mpeg")

	err := player.Play(r.Context(), req.Text)
	if err != nil && !errors.Is(err, errStreamStopped) {
		if !sink.wroteAudio() {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		// Headers are gone; the truncated stream is all we can signal.
		a.cfg.Logger.Error().Err(err).Msg("synthesis stream aborted")
	}
}

func (a *API) speakToggle(w http.ResponseWriter, r *http.Request) {
	a.speakMu.Lock()
	player := a.speaker
	a.speakMu.Unlock()

	if player == nil || player.State() == speech.StateStopped {
		writeError(w, http.StatusConflict, "no utterance in flight")
		return
	}
	if err := player.PauseResume(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(player.State())})
}

func (a *API) speakStop(w http.ResponseWriter, r *http.Request) {
	a.speakMu.Lock()
	player := a.speaker
	a.speaker = nil
	a.speakMu.Unlock()

	if player != nil {
		if err := player.Stop(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(speech.StateStopped)})
}

func (a *API) speakState(w http.ResponseWriter, r *http.Request) {
	a.speakMu.Lock()
	player := a.speaker
	a.speakMu.Unlock()

	state := speech.StateStopped
	if player != nil {
		state = player.State()
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}
