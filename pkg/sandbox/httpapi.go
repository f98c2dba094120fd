package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/wardenhq/warden/pkg/werr"
	"github.com/wardenhq/warden/pkg/wlog"
)

const (
	httpapiDefaultDomain     = "sbx.wardenhq.dev"
	httpapiDefaultTemplate   = "agent-base"
	httpapiDefaultTimeoutSec = 900
	httpapiDaemonPort        = 49160
	httpapiHTTPTimeout       = 60 * time.Second
)

// HTTPAPIConfig configures the hosted-sandbox backend. The control
// plane provisions VMs; each VM runs a small daemon that launches the
// agent and serves its files.
type HTTPAPIConfig struct {
	APIKey string
	// Domain for daemon URLs, daemon URL is https://{port}-{id}.{domain}.
	// A domain containing "://" is used verbatim (tests).
	Domain string
	// APIURL overrides the control plane URL (default https://api.{Domain}).
	APIURL          string
	DefaultTemplate string
}

// HTTPAPI provisions sandboxes through a hosted control plane.
type HTTPAPI struct {
	log    *wlog.Logger
	cfg    HTTPAPIConfig
	client *http.Client

	mu       sync.RWMutex
	sessions map[string]*httpapiSession
}

type httpapiSession struct {
	id          string
	domain      string
	accessToken string
}

func NewHTTPAPI(log *wlog.Logger, cfg HTTPAPIConfig) (*HTTPAPI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("sandbox api key is required")
	}
	if cfg.Domain == "" {
		cfg.Domain = httpapiDefaultDomain
	}
	if cfg.APIURL == "" {
		cfg.APIURL = fmt.Sprintf("https://api.%s", cfg.Domain)
	}
	if cfg.DefaultTemplate == "" {
		cfg.DefaultTemplate = httpapiDefaultTemplate
	}

	return &HTTPAPI{
		log:      log.Component("sandbox-httpapi"),
		cfg:      cfg,
		client:   &http.Client{Timeout: httpapiHTTPTimeout},
		sessions: make(map[string]*httpapiSession),
	}, nil
}

func (p *HTTPAPI) Name() string { return "httpapi" }

type createSandboxRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnvVars    map[string]string `json:"envVars,omitempty"`
}

type createSandboxResponse struct {
	SandboxID   string `json:"sandboxID"`
	AccessToken string `json:"accessToken"`
	Domain      string `json:"domain,omitempty"`
}

func (p *HTTPAPI) Create(ctx context.Context, spec Spec) (*Sandbox, error) {
	template := p.cfg.DefaultTemplate
	if spec.Image != "" {
		template = spec.Image
	}
	timeout := spec.TimeoutSec
	if timeout <= 0 {
		timeout = httpapiDefaultTimeoutSec
	}

	req := createSandboxRequest{
		TemplateID: template,
		Timeout:    timeout,
		Metadata:   spec.Labels,
		EnvVars:    spec.Env,
	}
	var resp createSandboxResponse
	if err := p.controlPlane(ctx, http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return nil, werr.New(werr.CodeSandbox, fmt.Errorf("create sandbox: %w", err))
	}

	domain := resp.Domain
	if domain == "" {
		domain = p.cfg.Domain
	}
	p.mu.Lock()
	p.sessions[resp.SandboxID] = &httpapiSession{
		id:          resp.SandboxID,
		domain:      domain,
		accessToken: resp.AccessToken,
	}
	p.mu.Unlock()

	p.log.Info("sandbox created", "handle", resp.SandboxID, "template", template)
	return &Sandbox{Handle: resp.SandboxID, Backend: p.Name()}, nil
}

// Connect re-establishes a daemon session for an existing sandbox, e.g.
// after a controller restart. The control plane re-issues the token.
func (p *HTTPAPI) Connect(ctx context.Context, handle string) (*Sandbox, error) {
	var resp createSandboxResponse
	err := p.controlPlane(ctx, http.MethodPost, "/sandboxes/"+handle+"/connect", nil, &resp)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrGone
		}
		return nil, werr.New(werr.CodeSandbox, fmt.Errorf("connect sandbox %s: %w", handle, err))
	}

	domain := resp.Domain
	if domain == "" {
		domain = p.cfg.Domain
	}
	p.mu.Lock()
	p.sessions[handle] = &httpapiSession{id: handle, domain: domain, accessToken: resp.AccessToken}
	p.mu.Unlock()

	return &Sandbox{Handle: handle, Backend: p.Name()}, nil
}

func (p *HTTPAPI) Kill(ctx context.Context, handle string) error {
	p.mu.Lock()
	delete(p.sessions, handle)
	p.mu.Unlock()

	err := p.controlPlane(ctx, http.MethodDelete, "/sandboxes/"+handle, nil, nil)
	if err != nil {
		if isNotFound(err) {
			p.log.Debug("sandbox already gone", "handle", handle)
			return nil
		}
		return werr.New(werr.CodeSandbox, fmt.Errorf("kill sandbox %s: %w", handle, err))
	}
	return nil
}

type launchRequest struct {
	Prompt       string            `json:"prompt"`
	Model        string            `json:"model,omitempty"`
	AllowedTools []string          `json:"allowed_tools,omitempty"`
	WorkDir      string            `json:"workdir,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	TimeoutSec   int               `json:"timeout_sec,omitempty"`
}

// Launch starts the agent via the in-sandbox daemon. The response body
// streams the agent's output; the exit code is fetched from the daemon
// once the stream ends.
func (p *HTTPAPI) Launch(ctx context.Context, handle string, spec LaunchSpec) (Process, error) {
	sess, err := p.session(ctx, handle)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(launchRequest{
		Prompt:       spec.Prompt,
		Model:        spec.Model,
		AllowedTools: spec.AllowedTools,
		WorkDir:      spec.WorkDir,
		Env:          spec.Env,
		TimeoutSec:   spec.TimeoutSec,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.daemonURL(sess)+"/agent/launch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Token", sess.accessToken)

	// No client timeout here: the stream lives as long as the agent.
	resp, err := p.streamClient().Do(req)
	if err != nil {
		return nil, werr.New(werr.CodeSandbox, fmt.Errorf("launch agent: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrGone
		}
		return nil, werr.Newf(werr.CodeSandbox, "launch agent: status %d: %s", resp.StatusCode, msg)
	}

	return &httpapiProcess{provider: p, sess: sess, body: resp.Body}, nil
}

func (p *HTTPAPI) ReadFile(ctx context.Context, handle, path string, maxBytes int64) ([]byte, error) {
	sess, err := p.session(ctx, handle)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/files?path=%s", p.daemonURL(sess), url.QueryEscape(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Access-Token", sess.accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("file %s: not found", path)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("read file %s: status %d: %s", path, resp.StatusCode, msg)
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxBytes))
}

type httpapiProcess struct {
	provider *HTTPAPI
	sess     *httpapiSession
	body     io.ReadCloser
}

func (pr *httpapiProcess) Output() io.Reader { return pr.body }

type exitResponse struct {
	Done     bool `json:"done"`
	ExitCode int  `json:"exit_code"`
}

// Wait closes the output stream and polls the daemon for the exit code.
func (pr *httpapiProcess) Wait(ctx context.Context) (int, error) {
	io.Copy(io.Discard, pr.body)
	pr.body.Close()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		var resp exitResponse
		u := pr.provider.daemonURL(pr.sess) + "/agent/exit"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return -1, err
		}
		req.Header.Set("X-Access-Token", pr.sess.accessToken)

		httpResp, err := pr.provider.client.Do(req)
		if err != nil {
			return -1, werr.New(werr.CodeSandbox, fmt.Errorf("fetch exit code: %w", err))
		}
		body, readErr := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if readErr != nil {
			return -1, readErr
		}
		if httpResp.StatusCode != http.StatusOK {
			return -1, werr.Newf(werr.CodeSandbox, "fetch exit code: status %d: %s", httpResp.StatusCode, body)
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return -1, fmt.Errorf("decode exit response: %w", err)
		}
		if resp.Done {
			return resp.ExitCode, nil
		}

		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *HTTPAPI) session(ctx context.Context, handle string) (*httpapiSession, error) {
	p.mu.RLock()
	sess, ok := p.sessions[handle]
	p.mu.RUnlock()
	if ok {
		return sess, nil
	}

	if _, err := p.Connect(ctx, handle); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[handle], nil
}

func (p *HTTPAPI) daemonURL(sess *httpapiSession) string {
	if strings.Contains(sess.domain, "://") {
		return sess.domain
	}
	return fmt.Sprintf("https://%d-%s.%s", httpapiDaemonPort, sess.id, sess.domain)
}

// streamClient is the client for long-lived launch streams; it carries
// no overall timeout, cancellation comes from the request context.
func (p *HTTPAPI) streamClient() *http.Client {
	return &http.Client{Transport: p.client.Transport}
}

func (p *HTTPAPI) controlPlane(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.APIURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", p.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("control plane %s %s: status %d: %s", method, path, resp.StatusCode, respBody)
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "status 404")
}

var _ Provisioner = (*HTTPAPI)(nil)
