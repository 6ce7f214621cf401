package wsgateway

import (
	"encoding/json"
)

// lspMessage is the envelope shape original_source/src/server/websocket.py
// uses for all lsp:* message types.
type lspMessage struct {
	Type      string          `json:"type"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	RequestID interface{}     `json:"requestId"`
	RootURI   string          `json:"rootUri"`
	Workspace string          `json:"workspaceRoot"`
}

func (g *Gateway) handleLSPMessage(c *client, msgType string, raw []byte) {
	if g.lsp == nil {
		g.sendError(c, "LSP is not available")
		return
	}

	var msg lspMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.sendError(c, "invalid LSP message")
		return
	}

	clientID := c.id

	switch msgType {
	case "lsp:initialize":
		rootURI := msg.RootURI
		if rootURI == "" {
			rootURI = "file:///"
		}
		caps, err := g.lsp.HandleInitialize(clientID, msg.Workspace, rootURI)
		if err != nil {
			g.sendError(c, err.Error())
			return
		}
		g.sendJSON(c, map[string]interface{}{
			"type": "lsp:initialized",
			"data": map[string]interface{}{"capabilities": caps},
		})

	case "lsp:request":
		result, err := g.lsp.HandleRequest(clientID, msg.Method, msg.Params)
		if err != nil {
			g.sendJSON(c, map[string]interface{}{
				"type": "lsp:error",
				"data": map[string]interface{}{"requestId": msg.RequestID, "message": err.Error()},
			})
			return
		}
		g.sendJSON(c, map[string]interface{}{
			"type": "lsp:response",
			"data": map[string]interface{}{
				"requestId": msg.RequestID,
				"method":    msg.Method,
				"result":    result,
			},
		})

	case "lsp:notification":
		if err := g.lsp.HandleNotification(clientID, msg.Method, msg.Params); err != nil {
			g.sendError(c, err.Error())
		}

	case "lsp:shutdown":
		if err := g.lsp.HandleShutdown(clientID); err != nil {
			g.sendError(c, err.Error())
			return
		}
		g.sendJSON(c, map[string]interface{}{
			"type": "lsp:shutdown",
			"data": map[string]interface{}{"success": true},
		})
	}
}
