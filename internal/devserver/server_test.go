package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/documents"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"
)

const testToken = "dev-token"

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	clock *clockwork.FakeClock
}

func newTestServer(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	hash, err := HashToken(testToken, bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &Config{
		TokenHash:       hash,
		ProcessingDelay: 10 * time.Second,
		PushStatus:      true,
		RateLimit:       100,
		RateBurst:       100,
	}
	if mutate != nil {
		mutate(cfg)
	}

	db, err := InitDatabase(filepath.Join(t.TempDir(), "dev.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := clockwork.NewFakeClock()
	srv, err := New(cfg, db, zerolog.Nop(), WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, clock: clock}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
}

func (e *testEnv) client(t *testing.T, token string) *documents.HTTPClient {
	t.Helper()
	hc := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	c, err := documents.NewClient(e.ts.URL, documents.WithHTTPClient(hc))
	require.NoError(t, err)
	return c
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken)
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	// A ping round trip proves the client is registered with the hub.
	send(t, conn, protocol.TypePing, nil)
	require.Equal(t, protocol.TypePong, readFrame(t, conn).Type)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	f, err := protocol.NewFrame(msgType, payload, time.Now())
	require.NoError(t, err)
	data, err := f.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) *protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Parse(data)
	require.NoError(t, err)
	return f
}

func readError(t *testing.T, conn *websocket.Conn) protocol.ErrorPayload {
	t.Helper()
	f := readFrame(t, conn)
	require.Equal(t, protocol.TypeError, f.Type)
	var p protocol.ErrorPayload
	require.NoError(t, f.ParseData(&p))
	return p
}

func readStatus(t *testing.T, conn *websocket.Conn) protocol.DocumentStatusPayload {
	t.Helper()
	f := readFrame(t, conn)
	require.Equal(t, protocol.TypeDocumentStatus, f.Type)
	var p protocol.DocumentStatusPayload
	require.NoError(t, f.ParseData(&p))
	return p
}

func TestHealth(t *testing.T) {
	env := newTestServer(t, nil)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_RequiresToken(t *testing.T) {
	env := newTestServer(t, nil)

	resp, err := http.Get(env.ts.URL + "/api/documents")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = env.client(t, "wrong").List(context.Background())
	var se *documents.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestDocuments_CreateListAndFilter(t *testing.T) {
	env := newTestServer(t, nil)
	ctx := context.Background()
	c := env.client(t, testToken)

	doc, err := c.Create(ctx, "  brief.pdf ")
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "brief.pdf", doc.Filename)
	assert.Equal(t, protocol.DocumentProcessing, doc.Status)

	docs, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, doc.ID, docs[0].ID)

	completed, err := documents.NewClient(env.ts.URL,
		documents.WithHTTPClient(oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: testToken}))),
		documents.WithStatusFilter(protocol.DocumentCompleted))
	require.NoError(t, err)
	docs, err = completed.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = c.Create(ctx, "   ")
	var se *documents.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
}

func TestProcessor_FinishesAfterDelay(t *testing.T) {
	env := newTestServer(t, nil)
	ctx := context.Background()
	c := env.client(t, testToken)

	good, err := c.Create(ctx, "contract.pdf")
	require.NoError(t, err)
	bad, err := c.Create(ctx, "corrupt-scan.pdf")
	require.NoError(t, err)
	assert.Equal(t, 2, env.srv.Processor().Pending())

	env.clock.Advance(9 * time.Second)
	assert.Equal(t, 2, env.srv.Processor().Pending())

	env.clock.Advance(time.Second)
	require.Eventually(t, func() bool { return env.srv.Processor().Pending() == 0 }, 5*time.Second, 10*time.Millisecond)

	statuses := map[string]documents.Document{}
	require.Eventually(t, func() bool {
		docs, err := c.List(ctx)
		if err != nil {
			return false
		}
		for _, d := range docs {
			statuses[d.ID] = d
		}
		return statuses[good.ID].Status == protocol.DocumentCompleted &&
			statuses[bad.ID].Status == protocol.DocumentFailed
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, statuses[bad.ID].Error)
}

func TestGetDocument(t *testing.T) {
	env := newTestServer(t, nil)
	doc, err := env.client(t, testToken).Create(context.Background(), "memo.docx")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/documents/"+doc.ID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got documents.Document
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, doc.ID, got.ID)

	req, err = http.NewRequest(http.MethodGet, env.ts.URL+"/api/documents/missing", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestWebSocket_Unauthorized(t *testing.T) {
	env := newTestServer(t, nil)

	header := http.Header{}
	header.Set("Authorization", "Bearer wrong")
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_ChatTurn(t *testing.T) {
	env := newTestServer(t, nil)
	conn := env.dial(t)

	send(t, conn, protocol.TypeChatMessage, protocol.ChatMessagePayload{
		ConversationID: "conv-1",
		Role:           "user",
		Content:        "summarize the lease",
	})

	f := readFrame(t, conn)
	require.Equal(t, protocol.TypeChatMessage, f.Type)
	var answer protocol.ChatMessagePayload
	require.NoError(t, f.ParseData(&answer))
	assert.Equal(t, "conv-1", answer.ConversationID)
	assert.Equal(t, "assistant", answer.Role)
	assert.Contains(t, answer.Content, "summarize the lease")
	assert.NotEmpty(t, answer.MessageID)

	f = readFrame(t, conn)
	require.Equal(t, protocol.TypeChatTurnComplete, f.Type)
	var done protocol.ChatTurnCompletePayload
	require.NoError(t, f.ParseData(&done))
	assert.Equal(t, answer.MessageID, done.MessageID)
}

func TestWebSocket_RejectsBadFrames(t *testing.T) {
	env := newTestServer(t, nil)
	conn := env.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, codeBadFrame, readError(t, conn).Code)

	send(t, conn, "shutdown_everything", nil)
	assert.Equal(t, codeUnsupported, readError(t, conn).Code)

	send(t, conn, protocol.TypeChatMessage, protocol.ChatMessagePayload{ConversationID: "c"})
	assert.Equal(t, codeBadFrame, readError(t, conn).Code)
}

func TestWebSocket_RateLimited(t *testing.T) {
	env := newTestServer(t, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
	})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+testToken)
	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	send(t, conn, protocol.TypePing, nil)
	assert.Equal(t, protocol.TypePong, readFrame(t, conn).Type)

	send(t, conn, protocol.TypePing, nil)
	assert.Equal(t, codeRateLimited, readError(t, conn).Code)
}

func TestWebSocket_BroadcastsDocumentStatus(t *testing.T) {
	env := newTestServer(t, nil)
	first := env.dial(t)
	second := env.dial(t)
	assert.Equal(t, 2, env.srv.Hub().ClientCount())

	doc, err := env.client(t, testToken).Create(context.Background(), "deposition.pdf")
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{first, second} {
		st := readStatus(t, conn)
		assert.Equal(t, doc.ID, st.ID)
		assert.Equal(t, protocol.DocumentProcessing, st.Status)
	}

	env.clock.Advance(10 * time.Second)

	for _, conn := range []*websocket.Conn{first, second} {
		st := readStatus(t, conn)
		assert.Equal(t, doc.ID, st.ID)
		assert.Equal(t, protocol.DocumentCompleted, st.Status)
		assert.Equal(t, "deposition.pdf", st.Filename)
	}
}

func TestWebSocket_PushDisabled(t *testing.T) {
	env := newTestServer(t, func(c *Config) { c.PushStatus = false })
	conn := env.dial(t)

	_, err := env.client(t, testToken).Create(context.Background(), "exhibit.pdf")
	require.NoError(t, err)
	env.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return env.srv.Processor().Pending() == 0 }, 5*time.Second, 10*time.Millisecond)

	// Nothing was pushed, so the next frame is the answer to this ping.
	send(t, conn, protocol.TypePing, nil)
	assert.Equal(t, protocol.TypePong, readFrame(t, conn).Type)
}

func TestClose_SendsGoingAway(t *testing.T) {
	env := newTestServer(t, nil)
	conn := env.dial(t)

	env.srv.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestNew_ResumesProcessingDocuments(t *testing.T) {
	hash, err := HashToken(testToken, bcrypt.MinCost)
	require.NoError(t, err)

	db, err := InitDatabase(filepath.Join(t.TempDir(), "dev.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	clock := clockwork.NewFakeClock()
	_, err = NewStore(db, clock).Create(context.Background(), "left-over.pdf")
	require.NoError(t, err)

	srv, err := New(&Config{TokenHash: hash, ProcessingDelay: time.Second, RateLimit: 1, RateBurst: 1}, db, zerolog.Nop(), WithClock(clock))
	require.NoError(t, err)
	defer srv.Close()

	assert.Equal(t, 1, srv.Processor().Pending())
}

func TestWebSocket_PingsFollowServerClock(t *testing.T) {
	env := newTestServer(t, nil)
	conn := env.dial(t)
	_ = conn.SetReadDeadline(time.Time{})

	pings := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	assert.Never(t, func() bool { return len(pings) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		env.clock.Advance(pingPeriod)
		return len(pings) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHub_ClientDisconnectIsNotGoingAway(t *testing.T) {
	env := newTestServer(t, nil)
	conn := env.dial(t)

	hub := env.srv.Hub()
	hub.mu.RLock()
	var peer *Client
	for c := range hub.clients {
		peer = c
	}
	hub.mu.RUnlock()
	require.NotNil(t, peer)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second)))

	select {
	case <-peer.quit:
	case <-time.After(5 * time.Second):
		t.Fatal("client was not unregistered")
	}
	assert.False(t, peer.goingAway, "only shutdown says going away")
	assert.Equal(t, 0, hub.ClientCount())
}
