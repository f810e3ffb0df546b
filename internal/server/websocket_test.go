package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repotalk/repotalk-gateway/internal/config"
	"github.com/repotalk/repotalk-gateway/internal/models"
	"github.com/repotalk/repotalk-gateway/internal/protocol"
)

// wsFrame mirrors the outbound wire shape with the payload kept raw so each
// test decodes only what it asserts on.
type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func dialWS(t *testing.T, fx *serverFixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWSFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var f wsFrame
	require.NoError(t, json.Unmarshal(raw, &f), "frame: %s", raw)
	return f
}

func sendWSFrame(t *testing.T, conn *websocket.Conn, frameType string, payload interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":    frameType,
		"payload": payload,
	}))
}

func TestWebSocketPingPong(t *testing.T) {
	fx := setupServer(t)
	conn := dialWS(t, fx)

	sendWSFrame(t, conn, protocol.TypePing, nil)

	f := readWSFrame(t, conn)
	assert.Equal(t, protocol.TypePong, f.Type)
}

func TestWebSocketChatRoundTrip(t *testing.T) {
	fx := setupServer(t)
	conn := dialWS(t, fx)

	sendWSFrame(t, conn, protocol.TypeSendChatMessage, map[string]string{"text": "hello"})

	f := readWSFrame(t, conn)
	require.Equal(t, protocol.TypeAgentTyping, f.Type)
	var typing protocol.TypingPayload
	require.NoError(t, json.Unmarshal(f.Payload, &typing))
	assert.True(t, typing.IsTyping)

	f = readWSFrame(t, conn)
	require.Equal(t, protocol.TypeNewChatMessage, f.Type)
	var msg models.ChatMessage
	require.NoError(t, json.Unmarshal(f.Payload, &msg))
	assert.Equal(t, "echo: hello", msg.Text)
	assert.Equal(t, models.SenderAgent, msg.Sender)
	assert.NotEmpty(t, msg.ID)

	f = readWSFrame(t, conn)
	require.Equal(t, protocol.TypeAgentTyping, f.Type)
	require.NoError(t, json.Unmarshal(f.Payload, &typing))
	assert.False(t, typing.IsTyping)
}

func TestWebSocketConfigureFlow(t *testing.T) {
	fx := setupServer(t)
	conn := dialWS(t, fx)

	sendWSFrame(t, conn, protocol.TypeSubmitConfig, map[string]interface{}{
		"agentToken": "sk-test",
		"repositories": []map[string]string{
			{"name": "web", "owner": "acme", "repo": "web", "token": "ghp_secret"},
		},
	})

	f := readWSFrame(t, conn)
	require.Equal(t, protocol.TypeRepositoriesList, f.Type)
	var list protocol.RepositoriesPayload
	require.NoError(t, json.Unmarshal(f.Payload, &list))
	require.Len(t, list.Repositories, 1)
	assert.Equal(t, "web", list.Repositories[0].Name)
	assert.Empty(t, list.Repositories[0].Token)

	f = readWSFrame(t, conn)
	require.Equal(t, protocol.TypeAgentTyping, f.Type)

	f = readWSFrame(t, conn)
	require.Equal(t, protocol.TypeFileTreeData, f.Type)
	var tree protocol.TreePayload
	require.NoError(t, json.Unmarshal(f.Payload, &tree))
	require.Len(t, tree.Tree, 1)
	assert.Equal(t, "README.md", tree.Tree[0].Name)
	require.NotNil(t, tree.Repository)
	assert.Equal(t, "web", tree.Repository.Name)

	f = readWSFrame(t, conn)
	require.Equal(t, protocol.TypeAgentTyping, f.Type)

	f = readWSFrame(t, conn)
	assert.Equal(t, protocol.TypeConfigSuccess, f.Type)
}

func TestWebSocketUnknownTypeKeepsSessionAlive(t *testing.T) {
	fx := setupServer(t)
	conn := dialWS(t, fx)

	sendWSFrame(t, conn, "NO_SUCH_COMMAND", nil)
	sendWSFrame(t, conn, protocol.TypePing, nil)

	f := readWSFrame(t, conn)
	assert.Equal(t, protocol.TypePong, f.Type)
}

func TestWebSocketSessionCountTracksConnections(t *testing.T) {
	fx := setupServer(t)

	conn := dialWS(t, fx)
	require.Eventually(t, func() bool { return fx.registry.Count() == 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return fx.registry.Count() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsDisallowedOrigin(t *testing.T) {
	fx := setupServerWith(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"https://app.example.com"}
	})
	url := "ws" + strings.TrimPrefix(fx.ts.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	conn, resp, err = websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	conn.Close()
}

func TestServerLifecycle(t *testing.T) {
	fx := setupServerWith(t, func(cfg *config.Config) {
		cfg.Server.Host = "127.0.0.1"
		cfg.Server.Port = 0
	})

	require.NoError(t, fx.srv.Start())
	assert.True(t, fx.srv.IsRunning())

	err := fx.srv.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, fx.srv.Stop())
	assert.False(t, fx.srv.IsRunning())

	err = fx.srv.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}
