package transport

import (
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/parley-run/parley/internal/bridge"
	"github.com/parley-run/parley/internal/domain"
	"github.com/parley-run/parley/internal/errs"
)

// BridgeSurface is the HTTP binding of the bridge tool surface. Each request
// is stateless: correlation is by conversationId plus the configuration blob
// carried in the path, never by transport-level session.
type BridgeSurface struct {
	mgr *bridge.Manager
}

// NewBridgeSurface binds mgr to HTTP.
func NewBridgeSurface(mgr *bridge.Manager) *BridgeSurface {
	return &BridgeSurface{mgr: mgr}
}

// Register mounts the surface on mux. The blob path segment is the
// URL-safe endpoint configuration; tool calls are dispatched by name from
// the request body, mirroring a request/response tool protocol.
func (s *BridgeSurface) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /bridge/{blob}", traced("bridge.call", s.handleCall))
	mux.HandleFunc("GET /bridge/{blob}/tools", traced("bridge.tools", s.handleTools))
}

// bridgeCall is the dispatch envelope: which tool, with which params.
type bridgeCall struct {
	Tool   string       `json:"tool"`
	Params bridgeParams `json:"params"`
}

type bridgeParams struct {
	ConversationID string           `json:"conversationId,omitempty"`
	Message        string           `json:"message,omitempty"`
	Attachments    []wireAttachment `json:"attachments,omitempty"`
}

type wireAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
	Summary     string `json:"summary,omitempty"`
}

func (s *BridgeSurface) handleCall(w http.ResponseWriter, r *http.Request) {
	blob := r.PathValue("blob")

	var call bridgeCall
	if err := decodeBody(w, r, &call); err != nil {
		writeError(w, err)
		return
	}

	switch call.Tool {
	case "begin_chat_thread":
		conversationID, err := s.mgr.Begin(r.Context(), blob)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"conversationId": conversationID})

	case "send_message_to_chat_thread":
		if call.Params.ConversationID == "" || call.Params.Message == "" {
			writeError(w, errs.New("transport", "send_message_to_chat_thread", errs.InvalidRequest, nil))
			return
		}
		outcome, err := s.mgr.SendMessage(r.Context(), call.Params.ConversationID, call.Params.Message, decodeAttachments(call.Params.Attachments))
		if err != nil {
			writeError(w, err)
			return
		}
		writeOutcome(w, outcome)

	case "wait_for_reply":
		if call.Params.ConversationID == "" {
			writeError(w, errs.New("transport", "wait_for_reply", errs.InvalidRequest, nil))
			return
		}
		outcome, err := s.mgr.WaitForReply(r.Context(), call.Params.ConversationID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeOutcome(w, outcome)

	default:
		writeError(w, errs.New("transport", "bridge.call", errs.InvalidRequest, fmt.Errorf("unknown tool %q", call.Tool)))
	}
}

func writeOutcome(w http.ResponseWriter, outcome *bridge.Outcome) {
	if outcome.StillWorking != nil {
		writeJSON(w, http.StatusOK, outcome.StillWorking)
		return
	}
	writeJSON(w, http.StatusOK, outcome.Reply)
}

func decodeAttachments(in []wireAttachment) []domain.AttachmentPayload {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.AttachmentPayload, 0, len(in))
	for _, a := range in {
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			content = []byte(a.Content)
		}
		out = append(out, domain.AttachmentPayload{
			Name:        a.Name,
			ContentType: a.ContentType,
			Content:     content,
			Summary:     a.Summary,
		})
	}
	return out
}

// toolDescriptor is one entry of the dynamically rendered tool catalog the
// external caller sees for this endpoint.
type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// handleTools renders the three operations with the counterparty's name so
// the external caller sees endpoint-specific guidance rather than generic
// boilerplate.
func (s *BridgeSurface) handleTools(w http.ResponseWriter, r *http.Request) {
	cfg, err := bridge.DecodeConfigBlob(r.PathValue("blob"))
	if err != nil {
		writeError(w, errs.New("transport", "bridge.tools", errs.InvalidRequest, err))
		return
	}
	name := counterpartyName(cfg)

	writeJSON(w, http.StatusOK, []toolDescriptor{
		{
			Name:        "begin_chat_thread",
			Description: fmt.Sprintf("Open a new conversation with %s. Returns the conversationId used by the other tools.", name),
		},
		{
			Name:        "send_message_to_chat_thread",
			Description: fmt.Sprintf("Send a message to %s and wait for the reply. May return a stillWorking status; follow up with wait_for_reply.", name),
			Parameters: map[string]any{
				"conversationId": "string",
				"message":        "string",
				"attachments":    "[{name, contentType, content}]",
			},
		},
		{
			Name:        "wait_for_reply",
			Description: fmt.Sprintf("Poll for %s's pending reply after a stillWorking response.", name),
			Parameters:  map[string]any{"conversationId": "string"},
		},
	})
}

// counterpartyName picks the display name for the server-managed side of the
// endpoint: explicit metadata wins, then the first server-managed agent id.
func counterpartyName(cfg *bridge.EndpointConfig) string {
	if n, ok := cfg.Metadata["counterpartyName"].(string); ok && n != "" {
		return n
	}
	for _, a := range cfg.Agents {
		if a.StrategyType.IsServerManaged() {
			return a.ID
		}
	}
	return "the agent"
}
