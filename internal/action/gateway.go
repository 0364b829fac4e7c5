package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/zombor/resibo/internal/invoice"
)

// Config holds the action executor endpoints
type Config struct {
	CommitURL  string
	DiscardURL string
	// HTTPClient defaults to http.DefaultClient. No timeout is imposed here.
	HTTPClient *http.Client
}

// Result is the outcome of one commit or discard call
type Result struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code"`
}

// Err returns nil on success and the executor's message otherwise
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return errors.New(r.Error)
}

// Gateway posts commit and discard requests to the action executor
type Gateway struct {
	commitURL  string
	discardURL string
	client     *http.Client
	tokens     TokenSource
}

type commitRequest struct {
	PendingID   string         `json:"pending_id"`
	InvoiceData invoice.Record `json:"invoice_data"`
}

type discardRequest struct {
	PendingID    string `json:"pending_id"`
	GDriveFileID string `json:"gdrive_file_id"`
}

type executorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewGateway creates a Gateway. tokens may be nil, in which case the token
// passed to each call is used as is.
func NewGateway(cfg Config, tokens TokenSource) (*Gateway, error) {
	if cfg.CommitURL == "" {
		return nil, fmt.Errorf("commit url is required")
	}
	if cfg.DiscardURL == "" {
		return nil, fmt.Errorf("discard url is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Gateway{
		commitURL:  cfg.CommitURL,
		discardURL: cfg.DiscardURL,
		client:     client,
		tokens:     tokens,
	}, nil
}

// Commit sends the edited invoice to be written downstream
func (g *Gateway) Commit(ctx context.Context, pendingID string, record invoice.Record, token string) Result {
	return g.post(ctx, "commit", g.commitURL, commitRequest{
		PendingID:   pendingID,
		InvoiceData: record,
	}, token)
}

// Discard cancels a pending invoice and asks for its stored file to be removed
func (g *Gateway) Discard(ctx context.Context, pendingID, fileID, token string) Result {
	return g.post(ctx, "discard", g.discardURL, discardRequest{
		PendingID:    pendingID,
		GDriveFileID: fileID,
	}, token)
}

func (g *Gateway) post(ctx context.Context, op, url string, body any, heldToken string) Result {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return Result{Error: fmt.Sprintf("marshaling request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return Result{Error: fmt.Sprintf("creating request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token(ctx, heldToken))

	resp, err := g.client.Do(req)
	if err != nil {
		slog.Error("Action request failed", "action", op, "error", err)
		return Result{Error: err.Error()}
	}
	defer resp.Body.Close()

	return interpret(resp)
}

// interpret accepts a response only when both the status and the body agree
func interpret(resp *http.Response) Result {
	result := Result{StatusCode: resp.StatusCode}

	data, err := io.ReadAll(resp.Body)
	var body executorResponse
	if err == nil && len(bytes.TrimSpace(data)) > 0 {
		if jsonErr := json.Unmarshal(data, &body); jsonErr != nil {
			slog.Warn("Unreadable action response", "status", resp.StatusCode, "error", jsonErr)
			body = executorResponse{}
		}
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok && body.Success {
		result.Success = true
		return result
	}

	switch {
	case body.Error != "":
		result.Error = body.Error
	case body.Message != "":
		result.Error = body.Message
	default:
		result.Error = fmt.Sprintf("request failed with status %d", resp.StatusCode)
	}
	return result
}

// token refreshes the bearer token, keeping the held one if that fails
func (g *Gateway) token(ctx context.Context, held string) string {
	if g.tokens == nil {
		return held
	}
	fresh, err := g.tokens.Token(ctx)
	if err != nil {
		slog.Warn("Token refresh failed, using held token", "error", err)
		return held
	}
	if fresh == "" {
		return held
	}
	return fresh
}
