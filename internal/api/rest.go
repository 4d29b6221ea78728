package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"relay/internal/client"
	"relay/internal/fork"
	"relay/internal/logging"
	"relay/internal/metrics"
	"relay/internal/turn"
)

// Service is the engine surface the HTTP layer drives.
type Service interface {
	StartTurn(ctx context.Context, channelKey, prompt string) (*turn.TurnContext, error)
	Abort(ctx context.Context, channelKey string) error
	ResetSession(ctx context.Context, channelKey string) error
	ResolvePermission(ctx context.Context, channelKey, requestID string, approve bool) error
	ForkAt(ctx context.Context, sourceChannel string, point client.ForkPoint, opts fork.ForkOptions) (fork.Record, error)
	Forks() []fork.Record
}

type RestHandler struct {
	Service  Service
	Logger   *logging.Logger
	Registry *metrics.Registry
}

type startTurnRequest struct {
	ChannelKey string `json:"channel_key"`
	Prompt     string `json:"prompt"`
}

type startTurnResponse struct {
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	State     string `json:"state"`
}

func (h *RestHandler) handleStartTurn(w http.ResponseWriter, r *http.Request) *apiError {
	var request startTurnRequest
	if apiErr := decodeBody(r, &request); apiErr != nil {
		return apiErr
	}
	if request.ChannelKey == "" || request.Prompt == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "channel_key and prompt are required"}
	}

	turnCtx, err := h.Service.StartTurn(r.Context(), request.ChannelKey, request.Prompt)
	if err != nil {
		if errors.Is(err, turn.ErrSessionBusy) {
			return &apiError{Status: http.StatusConflict, Message: err.Error()}
		}
		return &apiError{Status: http.StatusBadGateway, Message: err.Error()}
	}
	writeJSON(w, http.StatusAccepted, startTurnResponse{
		TurnID:    turnCtx.TurnID,
		SessionID: turnCtx.SessionID(),
		MessageID: turnCtx.MessageID(),
		State:     string(turnCtx.State()),
	})
	return nil
}

type abortRequest struct {
	ChannelKey string `json:"channel_key"`
}

func (h *RestHandler) handleAbort(w http.ResponseWriter, r *http.Request) *apiError {
	var request abortRequest
	if apiErr := decodeBody(r, &request); apiErr != nil {
		return apiErr
	}
	if request.ChannelKey == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "channel_key is required"}
	}
	if err := h.Service.Abort(r.Context(), request.ChannelKey); err != nil {
		if errors.Is(err, turn.ErrNoActiveTurn) {
			return &apiError{Status: http.StatusNotFound, Message: err.Error()}
		}
		return &apiError{Status: http.StatusBadGateway, Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborting"})
	return nil
}

type resetSessionRequest struct {
	ChannelKey string `json:"channel_key"`
}

func (h *RestHandler) handleResetSession(w http.ResponseWriter, r *http.Request) *apiError {
	var request resetSessionRequest
	if apiErr := decodeBody(r, &request); apiErr != nil {
		return apiErr
	}
	if request.ChannelKey == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "channel_key is required"}
	}
	if err := h.Service.ResetSession(r.Context(), request.ChannelKey); err != nil {
		if errors.Is(err, turn.ErrSessionBusy) {
			return &apiError{Status: http.StatusConflict, Message: err.Error()}
		}
		return &apiError{Status: http.StatusBadGateway, Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	return nil
}

type permissionRequest struct {
	ChannelKey string `json:"channel_key"`
	RequestID  string `json:"request_id"`
	Approve    bool   `json:"approve"`
}

func (h *RestHandler) handlePermission(w http.ResponseWriter, r *http.Request) *apiError {
	var request permissionRequest
	if apiErr := decodeBody(r, &request); apiErr != nil {
		return apiErr
	}
	if request.ChannelKey == "" || request.RequestID == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "channel_key and request_id are required"}
	}
	if err := h.Service.ResolvePermission(r.Context(), request.ChannelKey, request.RequestID, request.Approve); err != nil {
		if errors.Is(err, turn.ErrNoActiveTurn) {
			return &apiError{Status: http.StatusNotFound, Message: err.Error()}
		}
		return &apiError{Status: http.StatusBadGateway, Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	return nil
}

type forkRequest struct {
	SourceChannel string `json:"source_channel"`
	ChildChannel  string `json:"child_channel"`
	TurnIndex     *int   `json:"turn_index,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	ShareBackend  bool   `json:"share_backend,omitempty"`
}

type forkResponse struct {
	RecordID       string `json:"record_id"`
	ChildChannel   string `json:"child_channel"`
	ChildSessionID string `json:"child_session_id"`
}

func (h *RestHandler) handleFork(w http.ResponseWriter, r *http.Request) *apiError {
	var request forkRequest
	if apiErr := decodeBody(r, &request); apiErr != nil {
		return apiErr
	}
	if request.SourceChannel == "" || request.ChildChannel == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "source_channel and child_channel are required"}
	}

	record, err := h.Service.ForkAt(r.Context(), request.SourceChannel,
		client.ForkPoint{TurnIndex: request.TurnIndex, MessageID: request.MessageID},
		fork.ForkOptions{ChildChannelKey: request.ChildChannel, ShareBackend: request.ShareBackend})
	if err != nil {
		switch {
		case errors.Is(err, fork.ErrSourceBusy):
			return &apiError{Status: http.StatusConflict, Message: err.Error()}
		case errors.Is(err, fork.ErrInvalidPoint):
			return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
		default:
			return &apiError{Status: http.StatusBadGateway, Message: err.Error()}
		}
	}
	writeJSON(w, http.StatusCreated, forkResponse{
		RecordID:       record.ID,
		ChildChannel:   record.ChildChannel,
		ChildSessionID: record.ChildSessionID,
	})
	return nil
}

func (h *RestHandler) handleListForks(w http.ResponseWriter, r *http.Request) *apiError {
	records := h.Service.Forks()
	responses := make([]forkResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, forkResponse{
			RecordID:       record.ID,
			ChildChannel:   record.ChildChannel,
			ChildSessionID: record.ChildSessionID,
		})
	}
	writeJSON(w, http.StatusOK, responses)
	return nil
}

func (h *RestHandler) handleHealth(w http.ResponseWriter, r *http.Request) *apiError {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	h.Registry.Handler().ServeHTTP(w, r)
	return nil
}

func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	buffer := h.Logger.Buffer()
	if buffer == nil {
		writeJSON(w, http.StatusOK, []logging.Entry{})
		return nil
	}
	writeJSON(w, http.StatusOK, buffer.Tail(limit))
	return nil
}
