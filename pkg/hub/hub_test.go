package hub

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-greeter/internal/log"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := New("test", log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	require.Eventually(t, h.IsRunning, time.Second, time.Millisecond)
	return h
}

func attach(t *testing.T, h *Hub, buffer int, greeting ...Message) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan Message, buffer), greeting: greeting}
	h.register <- c
	return c
}

func envelope(t *testing.T, kind string, v any) Message {
	t.Helper()
	msg, err := NewEnvelope(kind, v)
	require.NoError(t, err)
	return msg
}

func TestHub_GreetingThenBroadcast(t *testing.T) {
	h := startHub(t)
	c := attach(t, h, 4, envelope(t, "hello", 1))
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.Publish("status", map[string]string{"state": "IDLE"}))

	first := <-c.send
	assert.JSONEq(t, `{"kind":"hello","data":1}`, string(first.Data))

	second := <-c.send
	var env struct {
		Kind string            `json:"kind"`
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(second.Data, &env))
	assert.Equal(t, "status", env.Kind)
	assert.Equal(t, "IDLE", env.Data["state"])
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := startHub(t)
	c := attach(t, h, 1)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.Publish("n", 1))
	require.NoError(t, h.Publish("n", 2))

	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)
	msg, ok := <-c.send
	require.True(t, ok)
	assert.JSONEq(t, `{"kind":"n","data":1}`, string(msg.Data))
	_, ok = <-c.send
	assert.False(t, ok, "send channel closed on drop")
}

func TestHub_UnregisterAndStop(t *testing.T) {
	h := New("test", log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	c := attach(t, h, 1)
	h.unregister <- c
	_, ok := <-c.send
	assert.False(t, ok)

	other := attach(t, h, 1)
	cancel()
	<-done
	_, ok = <-other.send
	assert.False(t, ok)
	assert.False(t, h.IsRunning())
	assert.Equal(t, 0, h.ClientCount())
}

func TestHub_ServeWaitsForWriter(t *testing.T) {
	h := startHub(t)

	greeting := envelope(t, "hello", "kiosk")
	served := make(chan *Client, 1)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		served <- h.serve(conn, []Message{greeting})
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })

	conn, _, err := gws.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"hello","data":"kiosk"}`, string(data))

	require.NoError(t, h.Publish("status", "IDLE"))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"status","data":"IDLE"}`, string(data))

	require.NoError(t, conn.Close())

	select {
	case c := <-served:
		select {
		case <-c.done:
		default:
			t.Fatal("Serve returned while the writer still held the connection")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after the client closed")
	}
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, time.Millisecond)
}

func TestHub_ServeAfterStop(t *testing.T) {
	h := New("test", log.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	require.Eventually(t, h.IsRunning, time.Second, time.Millisecond)
	cancel()
	<-done

	served := make(chan *Client, 1)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/ws", websocket.New(func(conn *websocket.Conn) {
		served <- h.serve(conn, nil)
	}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })

	conn, _, err := gws.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case c := <-served:
		<-c.done
	case <-time.After(2 * time.Second):
		t.Fatal("Serve blocked on a stopped hub")
	}
}
