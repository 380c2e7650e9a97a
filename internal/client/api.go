package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/intervox-ai/intervox/internal/protocol"
)

// API issues the request/response calls that bracket a session: the
// session-start offer and the best-effort cancellation.
type API struct {
	baseURL    string
	httpClient *http.Client
}

func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Offer issues the session-start request and returns the server-assigned
// conversation id. Non-2xx responses become a SessionStartError carrying the
// server's message verbatim when it sent one.
func (a *API) Offer(ctx context.Context, p Params) (string, error) {
	body := protocol.OfferRequest{
		AgentID:        p.AgentID,
		APIKey:         p.APIKey,
		Resume:         p.Resume,
		JobDescription: p.JobDescription,
		SDP:            protocol.SDPMarker,
	}

	status, data, err := a.postJSON(ctx, "/offer", body)
	if err != nil {
		return "", &SessionStartError{Message: err.Error()}
	}
	if status < 200 || status >= 300 {
		return "", &SessionStartError{StatusCode: status, Message: serverMessage(data)}
	}

	var resp protocol.OfferResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", &SessionStartError{StatusCode: status, Message: "malformed offer response"}
	}
	return resp.ConversationID, nil
}

// Cancel issues the cancellation request for agentID. The caller has already
// torn down local resources; a failure here is informational only.
func (a *API) Cancel(ctx context.Context, agentID string) error {
	status, data, err := a.postJSON(ctx, "/cancel", protocol.CancelRequest{AgentID: agentID})
	if err != nil {
		return &CancelError{Message: err.Error()}
	}
	if status < 200 || status >= 300 {
		return &CancelError{StatusCode: status, Message: serverMessage(data)}
	}
	return nil
}

func (a *API) postJSON(ctx context.Context, path string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

// serverMessage extracts the {error} body of a non-2xx response. An empty
// return selects the caller's generic fallback message.
func serverMessage(data []byte) string {
	var body protocol.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.Error)
}
