// Package lsp implements the LSP Proxy: starting and talking to a Pyright
// language-server subprocess over Content-Length-framed JSON-RPC, request
// correlation by id, and diagnostics dispatch. Grounded on
// original_source/src/lsp/manager.py and src/lsp/protocol.py.
package lsp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Message is a raw JSON-RPC message, deliberately not typed further than
// the envelope: params/result are arbitrary payloads passed through.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int            `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewRequest builds a request message.
func NewRequest(id int, method string, params interface{}) Message {
	raw, _ := json.Marshal(params)
	return Message{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}
}

// NewNotification builds a notification message (no id, no response expected).
func NewNotification(method string, params interface{}) Message {
	raw, _ := json.Marshal(params)
	return Message{JSONRPC: "2.0", Method: method, Params: raw}
}

// Encode frames a message with a Content-Length header, per the LSP wire
// format.
func Encode(m Message) ([]byte, error) {
	content, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("lsp: encode message: %w", err)
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(content))
	return append([]byte(header), content...), nil
}

// Decode reads one Content-Length-framed message from r. It returns
// io.EOF unwrapped when the stream closes cleanly between messages.
func Decode(r *bufio.Reader) (Message, error) {
	headers := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return Message{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			key := strings.ToLower(strings.TrimSpace(line[:idx]))
			value := strings.TrimSpace(line[idx+1:])
			headers[key] = value
		}
	}

	lengthStr, ok := headers["content-length"]
	if !ok {
		return Message{}, fmt.Errorf("lsp: missing Content-Length header")
	}
	length, err := strconv.Atoi(lengthStr)
	if err != nil {
		return Message{}, fmt.Errorf("lsp: invalid Content-Length %q: %w", lengthStr, err)
	}

	content := make([]byte, length)
	if _, err := io.ReadFull(r, content); err != nil {
		return Message{}, err
	}

	var msg Message
	if err := json.Unmarshal(content, &msg); err != nil {
		return Message{}, fmt.Errorf("lsp: invalid JSON in message: %w", err)
	}
	return msg, nil
}
