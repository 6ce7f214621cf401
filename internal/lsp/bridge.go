package lsp

import "encoding/json"

// HandleInitialize satisfies wsgateway.LSPBridge. A single Pyright process
// backs every WebSocket client, matching
// original_source/src/lsp/manager.py's one-process-per-app design, so
// clientID only appears here for interface-shape purposes.
func (m *Manager) HandleInitialize(clientID, workspaceRoot, rootURI string) (map[string]interface{}, error) {
	return m.Initialize(rootURI)
}

// HandleRequest forwards an arbitrary LSP method/params pair and returns the
// decoded result.
func (m *Manager) HandleRequest(clientID, method string, params json.RawMessage) (interface{}, error) {
	var decoded interface{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &decoded); err != nil {
			return nil, err
		}
	}
	resp, err := m.SendRequest(method, decoded, m.requestTimeout)
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	var result interface{}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// HandleNotification forwards a notification with no response expected.
func (m *Manager) HandleNotification(clientID, method string, params json.RawMessage) error {
	var decoded interface{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &decoded); err != nil {
			return err
		}
	}
	return m.SendNotification(method, decoded)
}

// HandleShutdown tears down the shared Pyright process. Because the process
// is shared, this affects every connected client, matching the original's
// single-language-server lifetime.
func (m *Manager) HandleShutdown(clientID string) error {
	return m.Shutdown()
}
