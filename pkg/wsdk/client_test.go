package wsdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wardenhq/warden/pkg/wapi/schemas"
	"github.com/wardenhq/warden/pkg/werr"
)

func newTestClient(handler http.Handler) (*Client, func()) {
	server := httptest.NewServer(handler)
	client := &Client{BaseURL: server.URL, Token: "tok", http: server.Client()}
	return client, server.Close
}

func TestExecuteRun(t *testing.T) {
	var gotAuth string
	client, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/runs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"run-1","status":"succeeded","result":"hi","stats":{"tool_calls":0,"turns":1},"started_at":"2026-01-01T00:00:00Z"}`))
	}))
	defer done()

	run, err := client.ExecuteRun(context.Background(), schemas.ExecuteRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("ExecuteRun: %v", err)
	}
	if run.ID != "run-1" || run.Status != "succeeded" || run.Result != "hi" {
		t.Errorf("run = %+v", run)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("auth header = %q", gotAuth)
	}
}

func TestExecuteRunStream(t *testing.T) {
	client, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/runs/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"type":"text","data":{"text":"working"}}` + "\n"))
		w.Write([]byte(`{"type":"outcome","data":{"id":"run-1","status":"succeeded","result":"done","stats":{"tool_calls":0,"turns":1},"started_at":"2026-01-01T00:00:00Z"}}` + "\n"))
	}))
	defer done()

	var types []string
	outcome, err := client.ExecuteRunStream(context.Background(), schemas.ExecuteRequest{Prompt: "go"}, func(line StreamLine) {
		types = append(types, line.Type)
	})
	if err != nil {
		t.Fatalf("ExecuteRunStream: %v", err)
	}
	if outcome == nil || outcome.Result != "done" {
		t.Fatalf("outcome = %+v", outcome)
	}
	if len(types) != 1 || types[0] != "text" {
		t.Errorf("event types = %v, want [text]", types)
	}
}

func TestExecuteRunStreamRejected(t *testing.T) {
	client, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"type":"error","data":{"kind":"rate_limit","message":"rate limit exceeded"}}` + "\n"))
	}))
	defer done()

	outcome, err := client.ExecuteRunStream(context.Background(), schemas.ExecuteRequest{Prompt: "go"}, nil)
	if outcome != nil {
		t.Fatalf("rejected stream returned outcome %+v", outcome)
	}
	if werr.CodeOf(err) != werr.CodeRateLimit {
		t.Fatalf("err = %v, want rate_limit", err)
	}
}

func TestStatusErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusTooManyRequests, func(err error) bool { return werr.CodeOf(err) == werr.CodeRateLimit }, "rate limit"},
		{http.StatusForbidden, func(err error) bool { return werr.CodeOf(err) == werr.CodeUnauthorized }, "forbidden"},
		{http.StatusNotFound, func(err error) bool { return err == ErrNotFound }, "not found"},
		{http.StatusGatewayTimeout, func(err error) bool { return werr.CodeOf(err) == werr.CodeTimeout }, "timeout"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"title":"nope","detail":"rejected"}`))
			}))
			defer done()

			_, err := client.GetRun(context.Background(), "run-x")
			if err == nil || !tc.check(err) {
				t.Errorf("status %d mapped to %v", tc.status, err)
			}
		})
	}
}

func TestListRunsQuery(t *testing.T) {
	client, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("thread_id"); got != "th-9" {
			t.Errorf("thread_id = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"runs":[{"id":"a","status":"succeeded","stats":{"tool_calls":0,"turns":1},"started_at":"2026-01-01T00:00:00Z"}]}`))
	}))
	defer done()

	runs, err := client.ListRuns(context.Background(), "th-9", 5)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "a" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestSessionFlow(t *testing.T) {
	client, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/sessions":
			w.Write([]byte(`{"id":"sess-1","run_id":"run-1","expires_at":"2026-01-01T01:00:00Z"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/sessions/sess-1/turns":
			w.Write([]byte(`{"result":"ok","cost":{"input":0,"output":0,"cached":0,"compute":0,"total":0},"stats":{"tool_calls":0,"turns":1}}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/api/sessions/sess-1":
			w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer done()

	ctx := context.Background()
	sess, err := client.OpenSession(ctx, schemas.OpenSessionRequest{Model: "fast-1"})
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if sess.ID != "sess-1" {
		t.Fatalf("session = %+v", sess)
	}

	turn, err := client.Turn(ctx, sess.ID, "do it")
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if turn.Result != "ok" {
		t.Errorf("turn = %+v", turn)
	}

	if err := client.CloseSession(ctx, sess.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
}
