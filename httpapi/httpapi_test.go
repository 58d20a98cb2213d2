package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/durarun/durarun/engine"
	"github.com/durarun/durarun/eventbus"
	"github.com/durarun/durarun/httpapi"
	"github.com/durarun/durarun/internal/memstore"
	"github.com/durarun/durarun/journal"
	"github.com/durarun/durarun/model"
	"github.com/durarun/durarun/runstate"
	"github.com/durarun/durarun/storage"
	"github.com/durarun/durarun/tool"
	"github.com/durarun/durarun/tool/builtin"
)

type apiFixture struct {
	store  *memstore.Store
	client *model.ScriptedClient
	srv    *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store := memstore.New()
	bus := eventbus.New(store)
	client := model.NewScriptedClient()

	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(builtin.CompleteTask()))
	require.NoError(t, registry.Register(tool.NewGatedFuncTool("send_email", "sends an email", tool.Schema{
		Type:       "object",
		Properties: map[string]tool.PropertyDef{"to": {Type: "string"}},
	}, func(context.Context, json.RawMessage) (string, error) {
		return "sent", nil
	})))

	eng := engine.New(store, bus, tool.NewExecutor(registry), client,
		engine.WithInstanceID("api-test"))

	api := httpapi.NewServer(store, bus, eng, httpapi.WithPingInterval(50*time.Millisecond))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{store: store, client: client, srv: srv}
}

func (f *apiFixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *apiFixture) createSession(t *testing.T) uuid.UUID {
	t.Helper()
	resp := f.post(t, "/sessions", map[string]string{"agent_kind": "assistant"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decode[storage.Session](t, resp)
	return sess.ID
}

func (f *apiFixture) createRun(t *testing.T, sessionID uuid.UUID, task string) uuid.UUID {
	t.Helper()
	resp := f.post(t, fmt.Sprintf("/sessions/%s/runs", sessionID), map[string]string{"task": task})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[struct {
		ID           uuid.UUID `json:"id"`
		SubscribeURL string    `json:"subscribe_url"`
	}](t, resp)
	require.Equal(t, fmt.Sprintf("/runs/%s/subscribe", created.ID), created.SubscribeURL)
	return created.ID
}

func (f *apiFixture) waitForStatus(t *testing.T, runID uuid.UUID, want runstate.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := f.store.GetRun(context.Background(), runID)
		return err == nil && run.Status == want
	}, 5*time.Second, 10*time.Millisecond, "run never reached status %s", want)
}

func TestAPI_Health(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	require.Equal(t, "ok", body["status"])
}

func TestAPI_SessionLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	id := f.createSession(t)

	resp := f.get(t, "/sessions")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessions := decode[[]storage.Session](t, resp)
	require.Len(t, sessions, 1)

	resp = f.get(t, "/sessions/"+id.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, fmt.Sprintf("/sessions/%s/archive", id), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	// Archived sessions reject new runs.
	resp = f.post(t, fmt.Sprintf("/sessions/%s/runs", id), map[string]string{"task": "x"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_CreateSessionValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/sessions", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, "/sessions/"+uuid.NewString())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_RunToCompletion(t *testing.T) {
	f := newAPIFixture(t)
	f.client.ReplyText("hello from the agent")

	sessionID := f.createSession(t)
	runID := f.createRun(t, sessionID, "say hello")
	f.waitForStatus(t, runID, runstate.StatusCompleted)

	resp := f.get(t, "/runs/"+runID.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[struct {
		Status  runstate.Status    `json:"status"`
		Result  *storage.RunResult `json:"result"`
		Entries []journal.Entry    `json:"entries"`
	}](t, resp)

	require.Equal(t, runstate.StatusCompleted, run.Status)
	require.NotNil(t, run.Result)
	require.Equal(t, "hello from the agent", run.Result.Message)
	require.Len(t, run.Entries, 4)
	require.Equal(t, journal.KindRunComplete, run.Entries[3].Kind)
}

func TestAPI_ApprovalFlow(t *testing.T) {
	f := newAPIFixture(t)
	f.client.
		ReplyToolCall(model.ToolCall{ID: "m1", Name: "send_email", Args: json.RawMessage(`{"to":"a@b.c"}`)}).
		// The resumed run re-generates the interrupted turn and skips the
		// already-approved call.
		ReplyToolCall(model.ToolCall{ID: "m1", Name: "send_email", Args: json.RawMessage(`{"to":"a@b.c"}`)}).
		ReplyText("email sent")

	sessionID := f.createSession(t)
	runID := f.createRun(t, sessionID, "email alice")
	f.waitForStatus(t, runID, runstate.StatusSuspended)

	resp := f.get(t, fmt.Sprintf("/runs/%s/pending-approval", runID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	approval := decode[storage.Approval](t, resp)
	require.Equal(t, "send_email", approval.ToolName)

	resp = f.post(t, fmt.Sprintf("/runs/%s/resume", runID), map[string]string{"decision": "approved"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	f.waitForStatus(t, runID, runstate.StatusCompleted)

	// The approval is resolved; a second resume conflicts.
	resp = f.post(t, fmt.Sprintf("/runs/%s/resume", runID), map[string]string{"decision": "approved"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = f.get(t, fmt.Sprintf("/runs/%s/pending-approval", runID))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_ResumeValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, fmt.Sprintf("/runs/%s/resume", uuid.New()), map[string]string{"decision": "maybe"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, fmt.Sprintf("/runs/%s/resume", uuid.New()), map[string]string{"decision": "approved"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAPI_Cancel(t *testing.T) {
	f := newAPIFixture(t)
	f.client.ReplyToolCall(model.ToolCall{ID: "m1", Name: "send_email", Args: json.RawMessage(`{}`)})

	sessionID := f.createSession(t)
	runID := f.createRun(t, sessionID, "email bob")
	f.waitForStatus(t, runID, runstate.StatusSuspended)

	resp := f.post(t, fmt.Sprintf("/runs/%s/cancel", runID), map[string]string{"reason": "not needed"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	f.waitForStatus(t, runID, runstate.StatusCancelled)

	// Cancelling again is an accepted no-op.
	resp = f.post(t, fmt.Sprintf("/runs/%s/cancel", runID), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
}

// sseEvent is one parsed SSE frame.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// readSSE parses frames from the stream until the done event or EOF.
func readSSE(t *testing.T, body *bufio.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			return events
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if cur.Event != "" || cur.Data != "" {
				events = append(events, cur)
				if cur.Event == "done" {
					return events
				}
				cur = sseEvent{}
			}
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case strings.HasPrefix(line, ":"):
			// keepalive comment
		}
	}
}

func TestAPI_SubscribeReplaysCompletedRun(t *testing.T) {
	f := newAPIFixture(t)
	f.client.ReplyText("hi")

	sessionID := f.createSession(t)
	runID := f.createRun(t, sessionID, "say hi")
	f.waitForStatus(t, runID, runstate.StatusCompleted)

	resp := f.get(t, fmt.Sprintf("/runs/%s/subscribe", runID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	defer resp.Body.Close()

	events := readSSE(t, bufio.NewReader(resp.Body))
	require.Len(t, events, 5) // 4 entries + done

	for i, ev := range events[:4] {
		require.Equal(t, "event", ev.Event)
		require.Equal(t, fmt.Sprint(i+1), ev.ID)
		var entry journal.Entry
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &entry))
		require.Equal(t, int64(i+1), entry.Sequence)
	}

	done := events[4]
	require.Equal(t, "done", done.Event)
	var final struct {
		Status runstate.Status    `json:"status"`
		Result *storage.RunResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(done.Data), &final))
	require.Equal(t, runstate.StatusCompleted, final.Status)
	require.Equal(t, "hi", final.Result.Message)
}

func TestAPI_SubscribeResumesFromCursor(t *testing.T) {
	f := newAPIFixture(t)
	f.client.ReplyText("hi")

	sessionID := f.createSession(t)
	runID := f.createRun(t, sessionID, "say hi")
	f.waitForStatus(t, runID, runstate.StatusCompleted)

	resp := f.get(t, fmt.Sprintf("/runs/%s/subscribe?since=2", runID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	events := readSSE(t, bufio.NewReader(resp.Body))
	require.Len(t, events, 3) // entries 3, 4 + done
	require.Equal(t, "3", events[0].ID)
	require.Equal(t, "4", events[1].ID)
	require.Equal(t, "done", events[2].Event)
}

func TestAPI_SubscribeUnknownRun(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.get(t, fmt.Sprintf("/runs/%s/subscribe", uuid.New()))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}
