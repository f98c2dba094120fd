// Package wsdk is the client SDK for the warden controller API, used by
// wardenctl and embeddable in other Go programs.
package wsdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/wardenhq/warden/pkg/wapi/schemas"
	"github.com/wardenhq/warden/pkg/werr"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// Client talks to one controller. The zero timeout means requests run
// until their context expires; streaming executions rely on that.
type Client struct {
	BaseURL string
	Token   string

	http *http.Client
}

// NewClient builds a client from loaded config.
func NewClient(cfg *Config) *Client {
	return &Client{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		http:    &http.Client{},
	}
}

// StreamLine is one NDJSON line from a streaming execution.
type StreamLine struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Health checks the controller and returns its registered backends.
func (c *Client) Health(ctx context.Context) ([]string, error) {
	var out struct {
		Status   string   `json:"status"`
		Backends []string `json:"backends"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &out); err != nil {
		return nil, err
	}
	return out.Backends, nil
}

// ExecuteRun submits a prompt and waits for the terminal result.
func (c *Client) ExecuteRun(ctx context.Context, req schemas.ExecuteRequest) (*schemas.RunResponse, error) {
	var out schemas.RunResponse
	if err := c.do(ctx, http.MethodPost, "/api/runs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExecuteRunStream submits a prompt and invokes onLine for every event
// line. The returned RunResponse is the final outcome line. A stream
// that ends with a coded error line instead of an outcome (the run was
// rejected before it existed) returns that error with its werr code.
func (c *Client) ExecuteRunStream(ctx context.Context, req schemas.ExecuteRequest, onLine func(StreamLine)) (*schemas.RunResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/runs/stream", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var outcome *schemas.RunResponse
	var streamErr error
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var line StreamLine
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		if line.Type == "outcome" {
			var final schemas.RunResponse
			if err := json.Unmarshal(line.Data, &final); err == nil {
				outcome = &final
			}
			continue
		}
		if line.Type == "error" {
			// Coded error lines end the stream in place of an outcome;
			// agent-emitted error events carry only a message.
			var e struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(line.Data, &e); err == nil && e.Kind != "" {
				streamErr = werr.Newf(werr.Code(e.Kind), "%s", e.Message)
				continue
			}
		}
		if onLine != nil {
			onLine(line)
		}
	}
	if err := scanner.Err(); err != nil {
		return outcome, err
	}
	if outcome == nil && streamErr != nil {
		return nil, streamErr
	}
	return outcome, nil
}

// GetRun fetches one run record.
func (c *Client) GetRun(ctx context.Context, runID string) (*schemas.RunResponse, error) {
	var out schemas.RunResponse
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns lists the caller's runs, or a thread's runs when threadID is
// set.
func (c *Client) ListRuns(ctx context.Context, threadID string, limit int) ([]schemas.RunResponse, error) {
	q := url.Values{}
	if threadID != "" {
		q.Set("thread_id", threadID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Runs []schemas.RunResponse `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// CancelRun cancels an active run. Canceling a finished run succeeds
// without side effects.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, "/api/runs/"+url.PathEscape(runID), nil, nil)
}

// ListArtifacts lists the artifacts captured for a run.
func (c *Client) ListArtifacts(ctx context.Context, runID string) ([]schemas.RunArtifact, error) {
	var out struct {
		Artifacts []schemas.RunArtifact `json:"artifacts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/runs/"+url.PathEscape(runID)+"/artifacts", nil, &out); err != nil {
		return nil, err
	}
	return out.Artifacts, nil
}

// ArtifactURL returns a presigned download URL for one artifact.
func (c *Client) ArtifactURL(ctx context.Context, runID, name string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	path := "/api/runs/" + url.PathEscape(runID) + "/artifacts/" + url.PathEscape(name) + "/url"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// OpenSession opens a keep-alive session.
func (c *Client) OpenSession(ctx context.Context, req schemas.OpenSessionRequest) (*schemas.SessionResponse, error) {
	var out schemas.SessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Turn sends one prompt into an open session.
func (c *Client) Turn(ctx context.Context, sessionID, prompt string) (*schemas.TurnResponse, error) {
	var out schemas.TurnResponse
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/turns"
	if err := c.do(ctx, http.MethodPost, path, schemas.TurnRequest{Prompt: prompt}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseSession closes a session and tears down its sandbox.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

// statusError maps HTTP statuses back onto the error codes the server
// mapped them from, so callers can switch on werr.CodeOf.
func statusError(resp *http.Response) error {
	detail := readDetail(resp.Body)
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return werr.Newf(werr.CodeUnauthorized, "%s", detail)
	case http.StatusTooManyRequests:
		return werr.Newf(werr.CodeRateLimit, "%s", detail)
	case http.StatusGatewayTimeout:
		return werr.Newf(werr.CodeTimeout, "%s", detail)
	case http.StatusBadGateway:
		return werr.Newf(werr.CodeSandbox, "%s", detail)
	default:
		return fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	}
}

// readDetail extracts the huma error detail, falling back to the raw
// body.
func readDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 8<<10))
	if err != nil || len(raw) == 0 {
		return "request failed"
	}
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &problem); err == nil {
		if problem.Detail != "" {
			return problem.Detail
		}
		if problem.Title != "" {
			return problem.Title
		}
	}
	return string(bytes.TrimSpace(raw))
}

// WaitTerminal polls the run until it leaves booting/running or the
// context expires.
func (c *Client) WaitTerminal(ctx context.Context, runID string, every time.Duration) (*schemas.RunResponse, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		switch run.Status {
		case "succeeded", "failed", "canceled":
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}
