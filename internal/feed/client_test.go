package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintwatch/mintwatch/internal/token"
)

type receivedSub struct {
	connSeq int
	req     subscribeRequest
}

// feedServer is a scripted upstream endpoint.
type feedServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	subs    chan receivedSub
	connCh  chan *websocket.Conn
	connSeq int
	reject  int
}

// rejectNextUpgrades makes the next n handshakes fail with a 503.
func (fs *feedServer) rejectNextUpgrades(n int) {
	fs.mu.Lock()
	fs.reject = n
	fs.mu.Unlock()
}

func newFeedServer(t *testing.T) *feedServer {
	fs := &feedServer{
		t:      t,
		subs:   make(chan receivedSub, 32),
		connCh: make(chan *websocket.Conn, 8),
	}
	fs.server = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http")
}

func (fs *feedServer) handle(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	if fs.reject > 0 {
		fs.reject--
		fs.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	fs.mu.Unlock()

	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.connSeq++
	seq := fs.connSeq
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()
	fs.connCh <- conn

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req subscribeRequest
		if json.Unmarshal(data, &req) == nil && req.Method != "" {
			fs.subs <- receivedSub{connSeq: seq, req: req}
		}
	}
}

// closeConns severs every accepted websocket connection. httptest's
// CloseClientConnections skips hijacked connections, so closing the
// tracked conns directly is the only way to kill live sessions.
func (fs *feedServer) closeConns() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		c.Close()
	}
}

func (fs *feedServer) waitConn(t *testing.T) *websocket.Conn {
	select {
	case conn := <-fs.connCh:
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("no upstream connection")
		return nil
	}
}

func (fs *feedServer) waitSub(t *testing.T) receivedSub {
	select {
	case sub := <-fs.subs:
		return sub
	case <-time.After(3 * time.Second):
		t.Fatal("no subscription frame received")
		return receivedSub{}
	}
}

func testConfig(url string) Config {
	return Config{
		URL:                  url,
		ReconnectDelay:       20 * time.Millisecond,
		MaxReconnectAttempts: 5,
		HeartbeatInterval:    time.Second,
		ConnectTimeout:       time.Second,
	}
}

func TestClient_ConnectSubscribesToNewTokens(t *testing.T) {
	fs := newFeedServer(t)

	c, err := NewClient(testConfig(fs.url()), nil, nil)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	fs.waitConn(t)

	sub := fs.waitSub(t)
	assert.Equal(t, methodSubscribeNewTokens, sub.req.Method)
	assert.True(t, c.IsConnected())
}

func TestClient_DeliversParsedEvents(t *testing.T) {
	fs := newFeedServer(t)

	events := make(chan token.Event, 8)
	c, err := NewClient(testConfig(fs.url()), func(ev token.Event) { events <- ev }, nil)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	conn := fs.waitConn(t)
	fs.waitSub(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"txType":"create","mint":"m1","symbol":"S1","price":1}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"txType":"buy","mint":"m1","amount":5,"price":1,"signature":"sig1234567890"}`)))
	// Acks and unknown frames are swallowed, not delivered.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"message":"subscribed"}`)))

	first := <-events
	second := <-events
	assert.Equal(t, token.EventNewToken, first.Kind)
	assert.Equal(t, token.EventTrade, second.Kind)

	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %q", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_ReconnectReplaysSubscriptionsOnce(t *testing.T) {
	fs := newFeedServer(t)

	c, err := NewClient(testConfig(fs.url()), nil, nil)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	first := fs.waitConn(t)
	require.Equal(t, methodSubscribeNewTokens, fs.waitSub(t).req.Method)

	mints := []string{"A", "B", "C"}
	require.NoError(t, c.Subscribe(mints))
	sub := fs.waitSub(t)
	require.Equal(t, methodSubscribeTokens, sub.req.Method)

	// Sever the connection server-side; the client must come back and
	// re-assert the full set exactly once on the new connection.
	first.Close()
	fs.waitConn(t)

	replayNew := fs.waitSub(t)
	assert.Equal(t, methodSubscribeNewTokens, replayNew.req.Method)
	assert.Equal(t, 2, replayNew.connSeq)

	replayTrades := fs.waitSub(t)
	assert.Equal(t, methodSubscribeTokens, replayTrades.req.Method)
	got := append([]string(nil), replayTrades.req.Keys...)
	sort.Strings(got)
	assert.Equal(t, mints, got)

	select {
	case extra := <-fs.subs:
		t.Fatalf("subscription replayed more than once: %+v", extra)
	case <-time.After(150 * time.Millisecond):
	}
	assert.True(t, c.IsConnected())
}

func TestClient_UnsubscribeShrinksReplaySet(t *testing.T) {
	fs := newFeedServer(t)

	c, err := NewClient(testConfig(fs.url()), nil, nil)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	conn := fs.waitConn(t)
	fs.waitSub(t)

	require.NoError(t, c.Subscribe([]string{"A", "B"}))
	fs.waitSub(t)
	require.NoError(t, c.Unsubscribe([]string{"B"}))
	unsub := fs.waitSub(t)
	require.Equal(t, methodUnsubscribeTokens, unsub.req.Method)

	conn.Close()
	fs.waitConn(t)
	fs.waitSub(t) // new-token replay
	replay := fs.waitSub(t)
	assert.Equal(t, []string{"A"}, replay.req.Keys)
}

func TestClient_TerminalAfterExhaustedReconnects(t *testing.T) {
	fs := newFeedServer(t)

	cfg := testConfig(fs.url())
	cfg.MaxReconnectAttempts = 2
	c, err := NewClient(cfg, nil, nil)
	require.NoError(t, err)
	defer c.Disconnect()

	require.NoError(t, c.Connect(context.Background()))
	fs.waitConn(t)
	fs.waitSub(t)

	// Kill the upstream entirely so every reconnect attempt fails.
	fs.server.CloseClientConnections()
	fs.server.Close()
	fs.closeConns()

	select {
	case <-c.Terminal():
	case <-time.After(5 * time.Second):
		t.Fatal("terminal channel never closed")
	}
	assert.False(t, c.IsConnected())
}

func TestClient_InitialDialFailureIsRetried(t *testing.T) {
	fs := newFeedServer(t)
	fs.rejectNextUpgrades(1)

	cfg := testConfig(fs.url())
	cfg.ReconnectDelay = 200 * time.Millisecond
	c, err := NewClient(cfg, nil, nil)
	require.NoError(t, err)
	defer c.Disconnect()

	// The first dial fails, but the reconnect loop keeps trying.
	require.Error(t, c.Connect(context.Background()))
	require.False(t, c.IsConnected())

	fs.waitConn(t)
	assert.Equal(t, methodSubscribeNewTokens, fs.waitSub(t).req.Method)
	assert.True(t, c.IsConnected())
}

func TestClient_InitialDialFailureExhaustsToTerminal(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/feed")
	cfg.MaxReconnectAttempts = 2
	c, err := NewClient(cfg, nil, nil)
	require.NoError(t, err)
	defer c.Disconnect()

	require.Error(t, c.Connect(context.Background()))
	select {
	case <-c.Terminal():
	case <-time.After(5 * time.Second):
		t.Fatal("terminal channel never closed")
	}
	assert.False(t, c.IsConnected())
}

func TestClient_SubscribeWhileDisconnectedIsDeferred(t *testing.T) {
	c, err := NewClient(Config{URL: "ws://127.0.0.1:1/feed"}, nil, nil)
	require.NoError(t, err)

	err = c.Subscribe([]string{"A"})
	assert.ErrorIs(t, err, ErrNotConnected)
	// The set is retained for the eventual replay.
	assert.Equal(t, []string{"A"}, c.SubscribedMints())
}
