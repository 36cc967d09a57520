package server

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

	"github.com/stretchr/testify/require"

	acp "github.com/agentcomm/acp"
	"goa.design/clue/log"
)

func newTestServer(t *testing.T, agents ...Agent) (*httptest.Server, *Server) {
	t.Helper()
	srv := New()
	for _, agent := range agents {
		require.NoError(t, srv.Register(agent))
	}
	logCtx := log.Context(context.Background())
	ts := httptest.NewServer(NewEcho(logCtx, srv))
	t.Cleanup(ts.Close)
	return ts, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeRun(t *testing.T, resp *http.Response) acp.Run {
	t.Helper()
	defer resp.Body.Close()
	var run acp.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	return run
}

func TestHTTPListAgents(t *testing.T) {
	ts, _ := newTestServer(t, echoAgent(), awaiterAgent())

	resp, err := http.Get(ts.URL + "/agents")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Agents []acp.AgentManifest `json:"agents"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Agents, 2)
	require.Equal(t, "echo", body.Agents[0].Name)
}

func TestHTTPGetAgent(t *testing.T) {
	ts, _ := newTestServer(t, echoAgent())

	resp, err := http.Get(ts.URL + "/agents/echo")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/agents/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPCreateRunSync(t *testing.T) {
	ts, _ := newTestServer(t, echoAgent())

	resp := postJSON(t, ts.URL+"/runs", CreateRequest{
		AgentName: "echo",
		Mode:      acp.ModeSync,
		Input:     []acp.Message{acp.Text("hello")},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decodeRun(t, resp)
	require.Equal(t, acp.StatusCompleted, run.Status)
	require.Len(t, run.Output, 1)
	require.Equal(t, "hello", run.Output[0].Text())
}

func TestHTTPCreateRunAsync(t *testing.T) {
	ts, srv := newTestServer(t, echoAgent())

	resp := postJSON(t, ts.URL+"/runs", CreateRequest{
		AgentName: "echo",
		Mode:      acp.ModeAsync,
		Input:     []acp.Message{acp.Text("hello")},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := decodeRun(t, resp)
	require.NotEmpty(t, run.RunID)
	require.False(t, run.Status.Terminal())

	require.Eventually(t, func() bool {
		got, err := srv.GetRun(context.Background(), run.RunID)
		return err == nil && got.Status == acp.StatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestHTTPResumeNotAwaiting(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ts, srv := newTestServer(t, blockingAgent(release))

	resp := postJSON(t, ts.URL+"/runs", CreateRequest{
		AgentName: "blocker",
		Mode:      acp.ModeAsync,
		Input:     []acp.Message{acp.Text("x")},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := decodeRun(t, resp)

	require.Eventually(t, func() bool {
		got, err := srv.GetRun(context.Background(), run.RunID)
		return err == nil && got.Status == acp.StatusInProgress
	}, time.Second, 5*time.Millisecond)

	resp = postJSON(t, ts.URL+"/runs/"+run.RunID, ResumeRequest{Mode: acp.ModeSync})
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body struct {
		Error *acp.Error `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Error)
	require.Equal(t, acp.CodeNotAwaiting, body.Error.Code)
}

func TestHTTPCreateRunErrors(t *testing.T) {
	ts, _ := newTestServer(t, echoAgent())

	resp := postJSON(t, ts.URL+"/runs", CreateRequest{AgentName: "nope", Input: []acp.Message{acp.Text("x")}})
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/runs", CreateRequest{AgentName: "echo", Input: []acp.Message{{}}})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body struct {
		Error *acp.Error `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Error)
	require.Equal(t, acp.CodeInvalidInput, body.Error.Code)
}

func TestHTTPAwaitResumeCancelFlow(t *testing.T) {
	ts, _ := newTestServer(t, awaiterAgent())

	resp := postJSON(t, ts.URL+"/runs", CreateRequest{
		AgentName: "awaiter",
		Mode:      acp.ModeAsync,
		Input:     []acp.Message{acp.Text("hi")},
	})
	run := decodeRun(t, resp)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/runs/" + run.RunID)
		if err != nil {
			return false
		}
		return decodeRun(t, resp).Status == acp.StatusAwaiting
	}, time.Second, 5*time.Millisecond)

	answer := acp.Text("resume payload")
	resp = postJSON(t, ts.URL+"/runs/"+run.RunID, ResumeRequest{
		AwaitResume: acp.AwaitResume{Message: &answer},
		Mode:        acp.ModeSync,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	final := decodeRun(t, resp)
	require.Equal(t, acp.StatusCompleted, final.Status)
	require.Equal(t, "resume payload", final.Output[0].Text())

	// Terminal runs reject both resume and cancel.
	resp = postJSON(t, ts.URL+"/runs/"+run.RunID, ResumeRequest{Mode: acp.ModeSync})
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/runs/"+run.RunID+"/cancel", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHTTPRunNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/runs/nope")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/runs/nope/cancel", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPStream(t *testing.T) {
	ts, _ := newTestServer(t, NewAgent(acp.AgentManifest{Name: "streamer"},
		func(ctx context.Context, input []acp.Message, rc *RunContext) error {
			for _, word := range strings.Fields(input[0].Text()) {
				if err := rc.YieldPart(ctx, acp.TextPart(word)); err != nil {
					return err
				}
			}
			return nil
		}))

	resp := postJSON(t, ts.URL+"/runs", CreateRequest{
		AgentName: "streamer",
		Mode:      acp.ModeStream,
		Input:     []acp.Message{acp.Text("alpha beta")},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var types []acp.EventType
	var parts []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event acp.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		types = append(types, event.Type)
		if event.Part != nil {
			parts = append(parts, event.Part.Content)
		}
	}
	require.Equal(t, []acp.EventType{
		acp.EventRunCreated,
		acp.EventRunInProgress,
		acp.EventMessagePart,
		acp.EventMessagePart,
		acp.EventMessageCompleted,
		acp.EventRunCompleted,
	}, types)
	require.Equal(t, []string{"alpha", "beta"}, parts)
}

func TestHTTPSessionFlow(t *testing.T) {
	ts, _ := newTestServer(t, echoAgent())

	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/runs", CreateRequest{
			AgentName: "echo",
			SessionID: "s1",
			Mode:      acp.ModeSync,
			Input:     []acp.Message{acp.Text(fmt.Sprintf("turn %d", i))},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/sessions/s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sess struct {
		ID      string        `json:"id"`
		Status  string        `json:"status"`
		History []acp.Message `json:"history"`
		Runs    []string      `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	require.Equal(t, "s1", sess.ID)
	require.Equal(t, "active", sess.Status)
	require.NotEmpty(t, sess.History)
	require.Len(t, sess.Runs, 2)

	resp = postJSON(t, ts.URL+"/sessions/s1/end", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/runs", CreateRequest{
		AgentName: "echo",
		SessionID: "s1",
		Mode:      acp.ModeSync,
		Input:     []acp.Message{acp.Text("late")},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/sessions/missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
