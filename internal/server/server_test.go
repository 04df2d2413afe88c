package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"triage/internal/bus"
	"triage/internal/clarify"
	"triage/internal/domain"
	"triage/internal/escalation"
	"triage/internal/frustration"
	"triage/internal/intent"
	"triage/internal/memory"
	"triage/internal/metrics"
	"triage/internal/orchestrator"
	"triage/internal/pattern"
	"triage/internal/router"
	"triage/internal/session"
	"triage/internal/ticket"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store := memory.NewMemStore()
	tickets := ticket.NewMemSystem()
	b := bus.New()
	t.Cleanup(func() { b.Close() })

	orch := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Frustration: frustration.New(),
		Patterns:    pattern.New(),
		Router:      router.New(intent.NewKeywordClassifier(), router.DefaultConfig()),
		Clarifier:   clarify.NewBuilder(clarify.DefaultMaxRounds),
		Escalation:  escalation.NewManager(escalation.DefaultConfig()),
		Tickets:     tickets,
		Store:       store,
		Sessions:    session.New(store, session.DefaultConfig()),
		Bus:         b,
	})

	collector := metrics.NewCollector(b, nil)
	collector.Start()
	t.Cleanup(collector.Stop)

	srv := New(DefaultConfig(), orch, tickets, b, collector, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestPostMessageDispatches(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/messages", messageRequest{
		SessionID: "s1",
		Sender:    "u1",
		Text:      "perdi meu cartao e preciso de bloqueio",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res domain.OrchestrationResult
	decodeInto(t, resp, &res)
	require.Equal(t, domain.ResultDispatch, res.Kind)
	require.Equal(t, domain.DomainCards, res.Domain)
	require.Equal(t, "s1", res.SessionID)
}

func TestPostMessageValidation(t *testing.T) {
	_, ts := newTestServer(t)

	cases := []messageRequest{
		{Sender: "u1", Text: "oi"},
		{SessionID: "s1", Text: "oi"},
		{SessionID: "s1", Sender: "u1", Text: "   "},
	}
	for i, c := range cases {
		resp := postJSON(t, ts.URL+"/api/messages", c)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "case %d", i)
		resp.Body.Close()
	}
}

func TestGetSessionAfterMessages(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/messages", messageRequest{
		SessionID: "s1", Sender: "u1", Text: "quanto rende o cdb",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/api/sessions/s1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var s domain.Session
	decodeInto(t, resp, &s)
	require.Equal(t, "s1", s.SessionID)
	require.Equal(t, 1, s.TurnCount)
	require.NotNil(t, s.CurrentDomain)
	require.Equal(t, domain.DomainInvestments, *s.CurrentDomain)
}

func TestGetUnknownSessionIs404(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/sessions/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEscalationLifecycleOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/messages", messageRequest{
		SessionID: "s1", Sender: "u1", Text: "quero falar com humano agora",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res domain.OrchestrationResult
	decodeInto(t, resp, &res)
	require.Equal(t, domain.ResultEscalate, res.Kind)
	require.NotEmpty(t, res.TicketID)

	resp, err := http.Get(ts.URL + "/api/tickets")
	require.NoError(t, err)
	var listing struct {
		Count int `json:"count"`
	}
	decodeInto(t, resp, &listing)
	require.Equal(t, 1, listing.Count)

	resp = postJSON(t, ts.URL+"/api/sessions/s1/resolve", resolveRequest{Resolution: "handled by agent"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/sessions/s1/reset", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/sessions/s1")
	require.NoError(t, err)
	var s domain.Session
	decodeInto(t, resp, &s)
	require.Equal(t, domain.EscalationNone, s.Escalation)
}

func TestResolveNonEscalatedIsConflict(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/messages", messageRequest{
		SessionID: "s1", Sender: "u1", Text: "consultar meu saldo",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/sessions/s1/resolve", resolveRequest{Resolution: "x"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	decodeInto(t, resp, &health)
	require.Equal(t, "healthy", health["status"])
}

func TestStatsReflectProcessedTurns(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/messages", messageRequest{
		SessionID: "s1", Sender: "u1", Text: "fazer um pix",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The collector consumes bus events asynchronously.
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/stats")
		if err != nil {
			return false
		}
		var snap metrics.Snapshot
		decodeInto(t, resp, &snap)
		return snap.Turns == 1 && snap.Dispatches == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEventStreamDeliversTurnEvents(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.stream.start()
	t.Cleanup(srv.stream.stop)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?replay=false"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp := postJSON(t, ts.URL+"/api/messages", messageRequest{
		SessionID: "s1", Sender: "u1", Text: "fazer um pix",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The turn publishes routing_decided then turn_processed; read until the
	// terminal event or time out.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev bus.Event
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &ev))
		require.Equal(t, "s1", ev.SessionID)
		if ev.Type == bus.EventTurnProcessed {
			require.Equal(t, domain.ResultDispatch, ev.Kind)
			return
		}
	}
}

func TestEventStreamReplaysHistory(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.stream.start()
	t.Cleanup(srv.stream.stop)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.URL+"/api/messages", messageRequest{
			SessionID: fmt.Sprintf("s%d", i), Sender: "u1", Text: "consultar meu saldo",
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events?count=2"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev bus.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	require.NotEmpty(t, ev.ID)
}
