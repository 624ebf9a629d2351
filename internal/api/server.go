// Package api serves the engine over HTTP: JSON routes for questions, votes,
// Top-Sets and moderation, plus a websocket stream of new Top-Sets.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/civicq/askrank/internal/engine"
	"github.com/civicq/askrank/internal/identity"
	"github.com/civicq/askrank/internal/logger"
	"github.com/civicq/askrank/internal/metrics"
	"github.com/civicq/askrank/internal/portfolio"
	"github.com/civicq/askrank/internal/store"
)

// Service is what the API needs from the engine.
type Service interface {
	SubmitQuestion(ctx context.Context, r engine.SubmitRequest) (string, error)
	EditQuestion(ctx context.Context, r engine.EditRequest) (int, error)
	SetQuestionStatus(ctx context.Context, questionID string, to store.QuestionStatus) error
	GetQuestionDetail(ctx context.Context, questionID string) (*engine.QuestionDetail, error)
	GetTopSet(contestID string) (*portfolio.TopSet, error)
	Watch(contestID string) (<-chan *portfolio.TopSet, <-chan struct{}, func(), error)
	CastVote(ctx context.Context, r engine.VoteRequest) (engine.Ack, error)
	RetractVote(ctx context.Context, r engine.VoteRequest) (engine.Ack, error)
	ApplyDecision(ctx context.Context, r engine.DecisionRequest) error
	ModerationItems() ([]*store.ModerationItem, error)
	OpenContest(ctx context.Context, contestID string) error
	CloseContest(ctx context.Context, contestID string) error
}

// Verifier turns a bearer token into claims.
type Verifier interface {
	Verify(token string) (*identity.Claims, error)
}

type Server struct {
	svc    Service
	tokens Verifier
	log    *slog.Logger
	mux    *http.ServeMux
}

func NewServer(svc Service, tokens Verifier, log *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		tokens: tokens,
		log:    logger.Or(log),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("GET /contests/{id}/topset", s.handleTopSet)
	s.mux.HandleFunc("GET /contests/{id}/topset/stream", s.handleTopSetStream)
	s.mux.HandleFunc("GET /questions/{id}", s.handleQuestionDetail)

	s.mux.HandleFunc("POST /contests/{id}/questions", s.withVoter(s.handleSubmit))
	s.mux.HandleFunc("POST /questions/{id}/versions", s.withVoter(s.handleEdit))
	s.mux.HandleFunc("PUT /questions/{id}/vote", s.withVoter(s.handleVote))
	s.mux.HandleFunc("DELETE /questions/{id}/vote", s.withVoter(s.handleRetract))

	s.mux.HandleFunc("POST /questions/{id}/status", s.withModerator(s.handleSetStatus))
	s.mux.HandleFunc("GET /moderation/items", s.withModerator(s.handleListItems))
	s.mux.HandleFunc("POST /moderation/items/{id}/decision", s.withModerator(s.handleDecision))
	s.mux.HandleFunc("POST /contests/{id}/open", s.withModerator(s.handleOpenContest))
	s.mux.HandleFunc("POST /contests/{id}/close", s.withModerator(s.handleCloseContest))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
