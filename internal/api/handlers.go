package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/IntakeLine/internal/call"
	"github.com/BTreeMap/IntakeLine/internal/models"
	"github.com/BTreeMap/IntakeLine/internal/store"
	"github.com/BTreeMap/IntakeLine/internal/telephony"
	"github.com/BTreeMap/IntakeLine/internal/util"
)

const recordingGoodbye = "Thank you. We have your message and will call you back. Goodbye."

// voiceHandler answers an incoming call with a media stream, or with
// voicemail when no AI backend is configured.
func (s *Server) voiceHandler(w http.ResponseWriter, r *http.Request) {
	if !s.validateWebhook(w, r) {
		return
	}
	callSID := r.PostForm.Get("CallSid")
	params := telephony.StreamParams{
		CallerPhone: r.PostForm.Get("From"),
		CallerCity:  r.PostForm.Get("FromCity"),
		CallerState: r.PostForm.Get("FromState"),
	}

	if s.calls == nil {
		slog.Warn("Server.voiceHandler: no AI backend, sending to voicemail", "callSid", callSID)
		doc, err := telephony.VoicemailTwiML(s.opts.VoicemailMessage, RecordingPath)
		writeTwiML(w, doc, err)
		return
	}

	params.CaseRef = util.GenerateCaseRef()
	streamURL := s.streamURL(r)
	slog.Info("Server.voiceHandler: incoming call", "callSid", callSID, "caseRef", params.CaseRef, "streamURL", streamURL)
	doc, err := telephony.ConnectStreamTwiML(streamURL, params)
	writeTwiML(w, doc, err)
}

// recordingHandler receives the voicemail recording callback.
func (s *Server) recordingHandler(w http.ResponseWriter, r *http.Request) {
	if !s.validateWebhook(w, r) {
		return
	}
	slog.Info("Server.recordingHandler: voicemail received",
		"callSid", r.PostForm.Get("CallSid"),
		"from", r.PostForm.Get("From"),
		"recordingUrl", r.PostForm.Get("RecordingUrl"),
		"duration", r.PostForm.Get("RecordingDuration"))
	doc, err := telephony.HangupTwiML(recordingGoodbye)
	writeTwiML(w, doc, err)
}

func (s *Server) mediaStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("AI backend not configured"))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		slog.Warn("Server.mediaStreamHandler: upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	s.streams.Add(1)
	defer s.streams.Done()
	defer conn.Close()

	slog.Debug("Server.mediaStreamHandler: stream connected", "remote", r.RemoteAddr)
	result, err := s.calls.Serve(s.baseCtx, conn)
	if err != nil {
		slog.Warn("Server.mediaStreamHandler: stream ended with error", "error", err)
	}
	if result != nil {
		slog.Info("Server.mediaStreamHandler: call finished",
			"intakeID", result.IntakeID,
			"caseRef", result.CaseRef,
			"outcome", result.Outcome,
			"recordID", result.RecordID)
	}
}

type healthStatus struct {
	ActiveCalls int  `json:"active_calls"`
	AIBackend   bool `json:"ai_backend"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	h := healthStatus{AIBackend: s.calls != nil}
	if s.active != nil {
		h.ActiveCalls = s.active.Count()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(h))
}

func (s *Server) activeCallsHandler(w http.ResponseWriter, r *http.Request) {
	calls := []call.CallInfo{}
	if s.active != nil {
		if list := s.active.List(); list != nil {
			calls = list
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(calls))
}

func (s *Server) getIntakeHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.intakes == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("intake storage not configured"))
		return
	}
	result, err := s.intakes.GetIntake(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("intake not found"))
		return
	}
	if err != nil {
		slog.Error("Server.getIntakeHandler: lookup failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to load intake"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// validateWebhook parses the form and, when enabled, checks the carrier
// signature. It writes the error response and returns false on failure.
func (s *Server) validateWebhook(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.validateWebhook: bad form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid form body"))
		return false
	}
	if s.validator == nil {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	url := s.publicURL(r)
	if !s.validator.Validate(url, params, r.Header.Get("X-Twilio-Signature")) {
		slog.Warn("Server.validateWebhook: signature mismatch", "url", url, "remote", r.RemoteAddr)
		writeJSONResponse(w, http.StatusForbidden, models.Error("invalid signature"))
		return false
	}
	return true
}
