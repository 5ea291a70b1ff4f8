package transport

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-run/parley/internal/config"
	"github.com/parley-run/parley/internal/domain"
	"github.com/parley-run/parley/internal/errs"
	"github.com/parley-run/parley/internal/orchestrator"
	"github.com/parley-run/parley/internal/store"
)

// API is the external API adapter: the agent-facing call surface,
// authenticated by bearer token against the token registry, plus the
// operator verbs and health/metrics endpoints.
type API struct {
	orch *orchestrator.Orchestrator
	cfg  *config.Config
}

// NewAPI binds orch to HTTP, gated by cfg.
func NewAPI(orch *orchestrator.Orchestrator, cfg *config.Config) *API {
	return &API{orch: orch, cfg: cfg}
}

// Register mounts the adapter on mux.
func (s *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/turns", traced("api.startTurn", s.authed(s.handleStartTurn)))
	mux.HandleFunc("POST /api/turns/{id}/trace", traced("api.addTrace", s.authed(s.handleAddTrace)))
	mux.HandleFunc("POST /api/turns/{id}/complete", traced("api.completeTurn", s.authed(s.handleCompleteTurn)))
	mux.HandleFunc("GET /api/conversations/{id}", traced("api.getConversation", s.authed(s.handleGetConversation)))
	mux.HandleFunc("GET /api/conversations/{id}/turns", traced("api.getTurns", s.authed(s.handleGetTurns)))
	mux.HandleFunc("POST /api/queries", traced("api.createQuery", s.authed(s.handleCreateQuery)))
	mux.HandleFunc("GET /api/queries/{id}", traced("api.getQuery", s.authed(s.handleGetQuery)))

	// Operator verbs: protected at the deployment boundary, not by agent
	// tokens.
	mux.HandleFunc("POST /operator/queries/{id}/respond", traced("operator.respondQuery", s.handleRespondQuery))
	mux.HandleFunc("POST /operator/turns/{id}/cancel", traced("operator.cancelTurn", s.handleCancelTurn))
	mux.HandleFunc("POST /operator/conversations/{id}/end", traced("operator.endConversation", s.handleEndConversation))
	mux.HandleFunc("GET /operator/conversations", traced("operator.listConversations", s.handleListConversations))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
}

// caller identifies the authenticated agent on a request context.
type caller struct {
	ConversationID string
	AgentID        string
}

type callerKey struct{}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(callerKey{}).(caller)
	return c
}

// authed validates the bearer token and stashes the bound
// (conversationId, agentId) on the request context. Handlers then verify the
// binding matches whatever conversation the request addresses.
func (s *API) authed(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			writeError(w, errs.New("transport", "auth", errs.PermissionDenied, nil))
			return
		}
		conversationID, agentID, valid := s.orch.ValidateToken(r.Context(), token)
		if !valid {
			writeError(w, errs.New("transport", "auth", errs.PermissionDenied, nil))
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, caller{
			ConversationID: conversationID,
			AgentID:        agentID,
		})
		handler(w, r.WithContext(ctx))
	}
}

// requireConversation rejects a caller whose token is bound to a different
// conversation than the one the request addresses.
func requireConversation(w http.ResponseWriter, r *http.Request, conversationID string) (caller, bool) {
	c := callerFrom(r.Context())
	if conversationID != "" && c.ConversationID != conversationID {
		writeError(w, errs.New("transport", "auth", errs.PermissionDenied, nil))
		return c, false
	}
	return c, true
}

type startTurnBody struct {
	ConversationID string         `json:"conversationId"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *API) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	var body startTurnBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	c, ok := requireConversation(w, r, body.ConversationID)
	if !ok {
		return
	}
	turn, err := s.orch.StartTurn(r.Context(), orchestrator.StartTurnRequest{
		ConversationID: c.ConversationID,
		AgentID:        c.AgentID,
		Metadata:       body.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"turnId": turn.ID})
}

type addTraceBody struct {
	ConversationID string            `json:"conversationId"`
	Entry          domain.TraceEntry `json:"entry"`
}

func (s *API) handleAddTrace(w http.ResponseWriter, r *http.Request) {
	var body addTraceBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	c, ok := requireConversation(w, r, body.ConversationID)
	if !ok {
		return
	}
	body.Entry.TurnID = r.PathValue("id")
	body.Entry.AgentID = c.AgentID
	entry, err := s.orch.AddTraceEntry(r.Context(), orchestrator.AddTraceEntryRequest{
		ConversationID: c.ConversationID,
		TurnID:         body.Entry.TurnID,
		Entry:          body.Entry,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type completeTurnBody struct {
	ConversationID string           `json:"conversationId"`
	Content        string           `json:"content"`
	IsFinalTurn    bool             `json:"isFinalTurn,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	Attachments    []wireAttachment `json:"attachments,omitempty"`
}

func (s *API) handleCompleteTurn(w http.ResponseWriter, r *http.Request) {
	var body completeTurnBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	c, ok := requireConversation(w, r, body.ConversationID)
	if !ok {
		return
	}
	turn, err := s.orch.CompleteTurn(r.Context(), orchestrator.CompleteTurnRequest{
		ConversationID: c.ConversationID,
		TurnID:         r.PathValue("id"),
		AgentID:        c.AgentID,
		Content:        body.Content,
		IsFinalTurn:    body.IsFinalTurn,
		Metadata:       body.Metadata,
		Attachments:    decodeAttachments(body.Attachments),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (s *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := requireConversation(w, r, id); !ok {
		return
	}
	q := r.URL.Query()
	conv, err := s.orch.GetConversation(r.Context(), id, store.GetConversationOptions{
		IncludeTurns:       q.Get("includeTurns") == "true",
		IncludeTrace:       q.Get("includeTrace") == "true",
		IncludeAttachments: q.Get("includeAttachments") == "true",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if q.Get("includeTurns") != "true" {
		writeJSON(w, http.StatusOK, conv)
		return
	}
	turns, err := s.orch.GetTurnsForConversation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if q.Get("includeTrace") != "true" {
		for i := range turns {
			turns[i] = turns[i].Shell()
		}
	}
	writeJSON(w, http.StatusOK, struct {
		*domain.Conversation
		Turns []domain.Turn `json:"turns"`
	}{conv, turns})
}

func (s *API) handleGetTurns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := requireConversation(w, r, id); !ok {
		return
	}
	turns, err := s.orch.GetTurnsForConversation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turns)
}

type createQueryBody struct {
	ConversationID string `json:"conversationId"`
	Question       string `json:"question"`
	Context        string `json:"context,omitempty"`
}

func (s *API) handleCreateQuery(w http.ResponseWriter, r *http.Request) {
	var body createQueryBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	c, ok := requireConversation(w, r, body.ConversationID)
	if !ok {
		return
	}
	q, err := s.orch.CreateUserQuery(r.Context(), orchestrator.CreateUserQueryRequest{
		ConversationID: c.ConversationID,
		AgentID:        c.AgentID,
		Question:       body.Question,
		Context:        body.Context,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queryId": q.ID})
}

func (s *API) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	q, err := s.orch.GetUserQueryStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if c := callerFrom(r.Context()); c.ConversationID != q.ConversationID {
		writeError(w, errs.New("transport", "auth", errs.PermissionDenied, nil))
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type respondQueryBody struct {
	Response string `json:"response"`
	Context  string `json:"context,omitempty"`
}

func (s *API) handleRespondQuery(w http.ResponseWriter, r *http.Request) {
	var body respondQueryBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	q, err := s.orch.RespondToUserQuery(r.Context(), r.PathValue("id"), body.Response, body.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *API) handleCancelTurn(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.AllowOperatorCancel {
		writeError(w, errs.New("transport", "cancelTurn", errs.PermissionDenied, nil))
		return
	}
	turn, err := s.orch.CancelTurn(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

func (s *API) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	convs, err := s.orch.ListConversations(r.Context(), store.ListOptions{
		Status:  domain.ConversationStatus(q.Get("status")),
		AgentID: q.Get("agentId"),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *API) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.EndConversation(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}
