package daemon

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gobby-dev/gobby/internal/event"
)

// hookRequest is the JSON body CLI adapters POST to /hooks.
type hookRequest struct {
	EventType      string         `json:"event_type"`
	SessionID      string         `json:"session_id"`
	ProjectHint    string         `json:"project_hint"`
	ToolName       string         `json:"tool_name"`
	ToolInput      map[string]any `json:"tool_input"`
	ToolResult     map[string]any `json:"tool_result"`
	PromptText     string         `json:"prompt_text"`
	TranscriptPath string         `json:"transcript_path"`
	TriggerSource  string         `json:"trigger_source"`
	Metadata       map[string]any `json:"metadata"`
}

// hookResponse is the JSON body returned to the adapter.
type hookResponse struct {
	Action        string         `json:"action"`
	Message       string         `json:"message,omitempty"`
	InjectContext string         `json:"inject_context,omitempty"`
	ModifiedInput map[string]any `json:"modified_input,omitempty"`
}

// Handler builds the daemon's local HTTP surface: hook ingress plus the
// stop-signal endpoint.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks", d.handleHook)
	mux.HandleFunc("POST /sessions/{id}/stop", d.handleStop)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (d *Daemon) handleHook(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed hook payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	h := &event.Hook{
		Type:           event.Kind(req.EventType),
		SessionID:      req.SessionID,
		ProjectHint:    req.ProjectHint,
		ToolName:       req.ToolName,
		ToolInput:      req.ToolInput,
		ToolResult:     req.ToolResult,
		PromptText:     req.PromptText,
		TranscriptPath: req.TranscriptPath,
		TriggerSource:  event.TriggerSource(req.TriggerSource),
		Metadata:       req.Metadata,
	}
	resp := d.Pipeline.Dispatch(r.Context(), h)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hookResponse{
		Action:        string(resp.Action),
		Message:       resp.Message,
		InjectContext: resp.InjectContext,
		ModifiedInput: resp.ModifiedInput,
	})
}

func (d *Daemon) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			reason = body.Reason
		}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "requested"
	}

	if err := d.Autonomy.IssueStop(sessionID, reason, "http"); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "session_id": sessionID, "reason": reason})
}
