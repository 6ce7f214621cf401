package wsgateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mateuszsury/pulsar/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient() *client {
	return &client{id: "test-client", send: make(chan []byte, 8), subs: map[string]bool{}}
}

func TestClientSubscribedToDefaultsToEverything(t *testing.T) {
	c := newTestClient()
	assert.True(t, c.subscribedTo("COM3"))
	assert.True(t, c.subscribedTo(""))
}

func TestClientSubscribeNarrowsFiltering(t *testing.T) {
	c := newTestClient()
	c.subscribe("COM3")

	assert.True(t, c.subscribedTo("COM3"))
	assert.False(t, c.subscribedTo("COM4"))
	assert.True(t, c.subscribedTo(""), "empty port always passes, e.g. global events")
}

func TestClientUnsubscribeRemovesPort(t *testing.T) {
	c := newTestClient()
	c.subscribe("COM3")
	c.unsubscribe("COM3")
	assert.True(t, c.subscribedTo("COM3"), "subs set is empty again, so everything passes")
}

func TestDispatchOnlyReachesSubscribedClients(t *testing.T) {
	g := New(nil, nil)

	narrow := newTestClient()
	narrow.subscribe("COM3")
	broad := newTestClient()

	g.mu.Lock()
	g.clients[narrow] = true
	g.clients[broad] = true
	g.mu.Unlock()

	g.dispatch(events.New(events.DeviceOutput, "COM4", map[string]interface{}{"text": "hi"}))

	select {
	case <-narrow.send:
		t.Fatal("narrow client should not have received an event for a port it isn't subscribed to")
	default:
	}

	select {
	case msg := <-broad.send:
		assert.Contains(t, string(msg), "COM4")
	default:
		t.Fatal("broad client should have received the event")
	}
}

func TestPublishDoesNotBlockWhenQueueFull(t *testing.T) {
	g := New(nil, nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			g.Publish(events.New(events.DeviceOutput, "COM3", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked despite the non-blocking broadcast send")
	}
}

func TestHandleInboundSubscribeAndUnsubscribe(t *testing.T) {
	g := New(nil, nil)
	c := newTestClient()

	g.handleInbound(c, []byte(`{"type":"subscribe","port":"COM3"}`))
	assert.True(t, c.subs["COM3"])

	g.handleInbound(c, []byte(`{"type":"unsubscribe","port":"COM3"}`))
	assert.False(t, c.subs["COM3"])
}

type fakeREPLWriter struct {
	lastPort, lastText string
	err                error
}

func (f *fakeREPLWriter) WriteLine(port, text string) error {
	f.lastPort, f.lastText = port, text
	return f.err
}

func TestHandleInboundReplInputWritesThroughToSession(t *testing.T) {
	repl := &fakeREPLWriter{}
	g := New(repl, nil)
	c := newTestClient()

	g.handleInbound(c, []byte(`{"type":"repl:input","port":"COM3","text":"print(1)"}`))
	assert.Equal(t, "COM3", repl.lastPort)
	assert.Equal(t, "print(1)", repl.lastText)
}

func TestHandleInboundPingRespondsWithPong(t *testing.T) {
	g := New(nil, nil)
	c := newTestClient()

	g.handleInbound(c, []byte(`{"type":"ping"}`))

	select {
	case msg := <-c.send:
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(msg, &decoded))
		assert.Equal(t, "pong", decoded["type"])
	default:
		t.Fatal("expected a pong response")
	}
}

func TestHandleInboundMalformedJSONIsIgnoredWithoutPanic(t *testing.T) {
	g := New(nil, nil)
	c := newTestClient()
	assert.NotPanics(t, func() { g.handleInbound(c, []byte("not json")) })
}

func TestHandleLSPMessageReportsUnavailableWhenNoBridge(t *testing.T) {
	g := New(nil, nil)
	c := newTestClient()

	g.handleInbound(c, []byte(`{"type":"lsp:initialize"}`))

	select {
	case msg := <-c.send:
		assert.Contains(t, string(msg), "LSP is not available")
	default:
		t.Fatal("expected an lsp:error response")
	}
}

type fakeLSPBridge struct {
	initCalls []string
}

func (f *fakeLSPBridge) HandleInitialize(clientID, workspaceRoot, rootURI string) (map[string]interface{}, error) {
	f.initCalls = append(f.initCalls, clientID)
	return map[string]interface{}{"capabilities": map[string]interface{}{}}, nil
}
func (f *fakeLSPBridge) HandleRequest(clientID, method string, params json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"ok": true}, nil
}
func (f *fakeLSPBridge) HandleNotification(clientID, method string, params json.RawMessage) error {
	return nil
}
func (f *fakeLSPBridge) HandleShutdown(clientID string) error { return nil }

func TestHandleLSPMessageInitializeRoutesToBridge(t *testing.T) {
	bridge := &fakeLSPBridge{}
	g := New(nil, bridge)
	c := newTestClient()

	g.handleInbound(c, []byte(`{"type":"lsp:initialize","rootUri":"file:///x"}`))

	require.Equal(t, []string{"test-client"}, bridge.initCalls)
	select {
	case msg := <-c.send:
		assert.Contains(t, string(msg), "lsp:initialized")
	default:
		t.Fatal("expected an lsp:initialized response")
	}
}

func TestRunRegisterAndUnregisterClosesSendChannel(t *testing.T) {
	g := New(nil, nil)
	stop := make(chan struct{})
	go g.Run(stop)
	defer close(stop)

	c := newTestClient()
	g.register <- c

	require.Eventually(t, func() bool {
		g.mu.RLock()
		defer g.mu.RUnlock()
		return g.clients[c]
	}, time.Second, 5*time.Millisecond)

	g.unregister <- c

	require.Eventually(t, func() bool {
		_, open := <-c.send
		return !open
	}, time.Second, 5*time.Millisecond)
}
