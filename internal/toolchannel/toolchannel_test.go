package toolchannel_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mateuszsury/pulsar/internal/toolchannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer lets the test goroutine poll output while Server.handle's
// goroutines concurrently write to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForLine(t *testing.T, out *syncBuffer) string {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "\n")
	}, time.Second, 5*time.Millisecond)
	return strings.TrimSpace(strings.SplitN(out.String(), "\n", 2)[0])
}

func TestDispatchesRegisteredTool(t *testing.T) {
	registry := toolchannel.NewRegistry()
	registry.Register("echo", func(params json.RawMessage) (interface{}, error) {
		var args map[string]interface{}
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, err
		}
		return args, nil
	})

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"echo","params":{"x":1}}` + "\n")
	out := &syncBuffer{}
	s := toolchannel.NewServer(registry, in, out)
	require.NoError(t, s.Serve())

	line := waitForLine(t, out)
	var resp toolchannel.Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	assert.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	registry := toolchannel.NewRegistry()
	in := strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"nope","params":{}}` + "\n")
	out := &syncBuffer{}
	s := toolchannel.NewServer(registry, in, out)
	require.NoError(t, s.Serve())

	line := waitForLine(t, out)
	var resp toolchannel.Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32601, resp.Error.Code)
}

func TestInvalidJSONReturnsParseError(t *testing.T) {
	registry := toolchannel.NewRegistry()
	in := strings.NewReader(`not json` + "\n")
	out := &syncBuffer{}
	s := toolchannel.NewServer(registry, in, out)
	require.NoError(t, s.Serve())

	line := waitForLine(t, out)
	var resp toolchannel.Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
}

func TestToolErrorReturnsInternalError(t *testing.T) {
	registry := toolchannel.NewRegistry()
	registry.Register("boom", func(params json.RawMessage) (interface{}, error) {
		return nil, fmt.Errorf("device not connected")
	})

	in := strings.NewReader(`{"jsonrpc":"2.0","id":3,"method":"boom"}` + "\n")
	out := &syncBuffer{}
	s := toolchannel.NewServer(registry, in, out)
	require.NoError(t, s.Serve())

	line := waitForLine(t, out)
	var resp toolchannel.Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32603, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "device not connected")
}

func TestRegistryNamesListsRegisteredTools(t *testing.T) {
	registry := toolchannel.NewRegistry()
	registry.Register("a", func(json.RawMessage) (interface{}, error) { return nil, nil })
	registry.Register("b", func(json.RawMessage) (interface{}, error) { return nil, nil })

	assert.ElementsMatch(t, []string{"a", "b"}, registry.Names())
}
