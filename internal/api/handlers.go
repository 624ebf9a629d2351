package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/civicq/askrank/internal/engine"
	"github.com/civicq/askrank/internal/identity"
	"github.com/civicq/askrank/internal/ledger"
	"github.com/civicq/askrank/internal/store"
)

// retryAfter is the Retry-After value, in seconds, sent with a 503.
const retryAfter = "1"

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeEngineError maps engine errors onto status codes. Only an unavailable
// ledger is worth retrying.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *engine.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrVoterNotEligible):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrContestNotOpen), errors.Is(err, engine.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrUnavailable):
		w.Header().Set("Retry-After", retryAfter)
		writeError(w, http.StatusServiceUnavailable, "vote ledger unavailable, retry")
	default:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body into v. An empty body leaves v as is when
// optional is set.
func decode(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTopSet(w http.ResponseWriter, r *http.Request) {
	ts, err := s.svc.GetTopSet(r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleQuestionDetail(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.GetQuestionDetail(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type questionBody struct {
	Text string   `json:"text"`
	Tags []string `json:"tags"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, c *identity.Claims) {
	var body questionBody
	if err := decode(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.svc.SubmitQuestion(r.Context(), engine.SubmitRequest{
		ContestID:   r.PathValue("id"),
		SubmitterID: c.Subject,
		Text:        body.Text,
		Tags:        body.Tags,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request, c *identity.Claims) {
	var body questionBody
	if err := decode(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	version, err := s.svc.EditQuestion(r.Context(), engine.EditRequest{
		QuestionID: r.PathValue("id"),
		EditorID:   c.Subject,
		Text:       body.Text,
		Tags:       body.Tags,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"version": version})
}

// fingerprint prefers the device fingerprint bound into the token.
func fingerprint(r *http.Request, c *identity.Claims) string {
	if c.Fingerprint != "" {
		return c.Fingerprint
	}
	return r.Header.Get("X-Device-Fingerprint")
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request, c *identity.Claims) {
	var req engine.VoteRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.VoterID, req.QuestionID, req.Fingerprint = c.Subject, r.PathValue("id"), fingerprint(r, c)
	ack, err := s.svc.CastVote(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleRetract(w http.ResponseWriter, r *http.Request, c *identity.Claims) {
	var req engine.VoteRequest
	if err := decode(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.VoterID, req.QuestionID, req.Fingerprint = c.Subject, r.PathValue("id"), fingerprint(r, c)
	ack, err := s.svc.RetractVote(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request, c *identity.Claims) {
	var body struct {
		Status store.QuestionStatus `json:"status"`
	}
	if err := decode(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.svc.SetQuestionStatus(r.Context(), r.PathValue("id"), body.Status); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.log.Info("question status set", "question", r.PathValue("id"), "status", body.Status, "moderator", c.Subject)
	writeJSON(w, http.StatusOK, map[string]string{"status": string(body.Status)})
}

type itemView struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	ContestID string          `json:"contest_id"`
	SubjectID string          `json:"subject_id"`
	Severity  float64         `json:"severity"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request, c *identity.Claims) {
	items, err := s.svc.ModerationItems()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, itemView{
			ID: it.ID, Kind: it.Kind, ContestID: it.ContestID, SubjectID: it.SubjectID,
			Severity: it.Severity, Payload: json.RawMessage(it.Payload), CreatedAt: it.CreatedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, c *identity.Claims) {
	var req engine.DecisionRequest
	if err := decode(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.ItemID = r.PathValue("id")
	if err := s.svc.ApplyDecision(r.Context(), req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.log.Info("decision recorded", "item", req.ItemID, "decision", req.Decision, "moderator", c.Subject)
	writeJSON(w, http.StatusOK, map[string]string{"item": req.ItemID, "decision": string(req.Decision)})
}

func (s *Server) handleOpenContest(w http.ResponseWriter, r *http.Request, c *identity.Claims) {
	if err := s.svc.OpenContest(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"contest": r.PathValue("id"), "status": store.ContestOpen})
}

func (s *Server) handleCloseContest(w http.ResponseWriter, r *http.Request, c *identity.Claims) {
	if err := s.svc.CloseContest(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"contest": r.PathValue("id"), "status": store.ContestClosed})
}
