package toolchannel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Backend is everything the tool catalogue needs from the rest of the
// system. A single concrete type (wired in cmd/pulsar-tools) implements it
// on top of internal/portscan, internal/device, internal/filetransfer and
// internal/packages; tests can substitute a fake.
type Backend interface {
	ListPorts() ([]map[string]interface{}, error)
	ListESPPorts() ([]map[string]interface{}, error)

	Connect(port string, baud int) (map[string]interface{}, error)
	Disconnect(port string) error
	GetDeviceInfo(port string) (map[string]interface{}, error)
	ListDevices() ([]map[string]interface{}, error)

	Execute(port, code string, timeoutSec float64) (map[string]interface{}, error)
	Interrupt(port string) error
	Reset(port string, soft bool) error

	ListFiles(port, path string) ([]map[string]interface{}, error)
	ReadFile(port, path string) ([]byte, error)
	WriteFile(port, path string, content []byte) error
	DeleteFile(port, path string) error
	Mkdir(port, path string) error

	GetLogs(port string, limit int) ([]string, error)
	WatchLogs(port string, durationSec float64, filterPattern string) ([]string, error)
	WifiStatus(port string) (map[string]interface{}, error)

	InstallPackage(port, name string) error
	UninstallPackage(port, name string) error
	InstallFromGitHub(port, url string) error

	SyncFolder(port, localFolder, remoteFolder string, dryRun bool) (map[string]interface{}, error)
}

// RegisterTools builds the tool catalogue (spec.md §4.9) against backend
// and registers every handler on registry. Grounded on the method-by-method
// shape of original_source/src/mcp_impl/tools.py's MCPTools class.
func RegisterTools(registry *Registry, backend Backend) {
	registry.Register("list_ports", func(json.RawMessage) (interface{}, error) {
		return backend.ListPorts()
	})

	registry.Register("list_esp32_ports", func(json.RawMessage) (interface{}, error) {
		return backend.ListESPPorts()
	})

	registry.Register("connect", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port     string `json:"port"`
			BaudRate int    `json:"baudrate"`
		}
		args.BaudRate = 115200
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		info, err := backend.Connect(args.Port, args.BaudRate)
		if err != nil {
			return map[string]interface{}{"success": false, "error": err.Error()}, nil
		}
		return map[string]interface{}{"success": true, "device": info}, nil
	})

	registry.Register("disconnect", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port string `json:"port"`
		}
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		if err := backend.Disconnect(args.Port); err != nil {
			return map[string]interface{}{"success": false, "error": err.Error()}, nil
		}
		return map[string]interface{}{"success": true}, nil
	})

	registry.Register("get_device_info", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port string `json:"port"`
		}
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		info, err := backend.GetDeviceInfo(args.Port)
		if err != nil {
			return map[string]interface{}{"error": fmt.Sprintf("Device not found: %s", args.Port)}, nil
		}
		return info, nil
	})

	registry.Register("list_devices", func(json.RawMessage) (interface{}, error) {
		return backend.ListDevices()
	})

	registry.Register("execute", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port    string  `json:"port"`
			Code    string  `json:"code"`
			Timeout float64 `json:"timeout"`
		}
		args.Timeout = 30
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		return backend.Execute(args.Port, args.Code, args.Timeout)
	})

	registry.Register("interrupt", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port string `json:"port"`
		}
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		if err := backend.Interrupt(args.Port); err != nil {
			return map[string]interface{}{"success": false, "error": err.Error()}, nil
		}
		return map[string]interface{}{"success": true}, nil
	})

	registry.Register("reset", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port string `json:"port"`
			Soft bool   `json:"soft"`
		}
		args.Soft = true
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		err := backend.Reset(args.Port, args.Soft)
		return map[string]interface{}{"success": err == nil}, nil
	})

	registry.Register("list_files", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port string `json:"port"`
			Path string `json:"path"`
		}
		args.Path = "/"
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		return backend.ListFiles(args.Port, args.Path)
	})

	registry.Register("read_file", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port string `json:"port"`
			Path string `json:"path"`
		}
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		content, err := backend.ReadFile(args.Port, args.Path)
		if err != nil {
			return map[string]interface{}{"error": err.Error()}, nil
		}
		return decodeFileContent(content), nil
	})

	registry.Register("write_file", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port    string `json:"port"`
			Path    string `json:"path"`
			Content string `json:"content"`
			Binary  bool   `json:"binary"`
		}
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		content, err := encodeFileContent(args.Content, args.Binary)
		if err != nil {
			return map[string]interface{}{"error": err.Error()}, nil
		}
		if err := backend.WriteFile(args.Port, args.Path, content); err != nil {
			return map[string]interface{}{"success": false, "error": err.Error()}, nil
		}
		return map[string]interface{}{"success": true}, nil
	})

	registry.Register("delete_file", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port string `json:"port"`
			Path string `json:"path"`
		}
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		err := backend.DeleteFile(args.Port, args.Path)
		return map[string]interface{}{"success": err == nil}, nil
	})

	registry.Register("mkdir", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port string `json:"port"`
			Path string `json:"path"`
		}
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		err := backend.Mkdir(args.Port, args.Path)
		return map[string]interface{}{"success": err == nil}, nil
	})

	registry.Register("get_logs", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port  string `json:"port"`
			Limit int    `json:"limit"`
		}
		args.Limit = 100
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		logs, err := backend.GetLogs(args.Port, args.Limit)
		if err != nil {
			return map[string]interface{}{"error": err.Error()}, nil
		}
		return map[string]interface{}{"logs": logs}, nil
	})

	registry.Register("watch_logs", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port     string  `json:"port"`
			Duration float64 `json:"duration"`
			Filter   string  `json:"filter_pattern"`
		}
		args.Duration = 2
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		logs, err := backend.WatchLogs(args.Port, args.Duration, args.Filter)
		if err != nil {
			return map[string]interface{}{"error": err.Error()}, nil
		}
		return map[string]interface{}{"logs": logs}, nil
	})

	registry.Register("wifi_status", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port string `json:"port"`
		}
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		status, err := backend.WifiStatus(args.Port)
		if err != nil {
			return map[string]interface{}{"error": err.Error()}, nil
		}
		return status, nil
	})

	registry.Register("install_package", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port string `json:"port"`
			Name string `json:"name"`
		}
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		err := backend.InstallPackage(args.Port, args.Name)
		if err != nil {
			return map[string]interface{}{"success": false, "error": err.Error()}, nil
		}
		return map[string]interface{}{"success": true}, nil
	})

	registry.Register("uninstall_package", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port string `json:"port"`
			Name string `json:"name"`
		}
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		err := backend.UninstallPackage(args.Port, args.Name)
		if err != nil {
			return map[string]interface{}{"success": false, "error": err.Error()}, nil
		}
		return map[string]interface{}{"success": true}, nil
	})

	registry.Register("install_from_github", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port string `json:"port"`
			URL  string `json:"url"`
		}
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		if err := backend.InstallFromGitHub(args.Port, args.URL); err != nil {
			return map[string]interface{}{"success": false, "error": err.Error()}, nil
		}
		return map[string]interface{}{"success": true}, nil
	})

	registry.Register("sync_folder", func(raw json.RawMessage) (interface{}, error) {
		var args struct {
			Port         string `json:"port"`
			LocalFolder  string `json:"local_folder"`
			RemoteFolder string `json:"remote_folder"`
			DryRun       bool   `json:"dry_run"`
		}
		args.RemoteFolder = "/"
		if err := decodeParams(raw, &args); err != nil {
			return nil, err
		}
		return backend.SyncFolder(args.Port, args.LocalFolder, args.RemoteFolder, args.DryRun)
	})
}

// decodeFileContent mirrors tools.py's read_file: return text when the
// bytes decode as valid UTF-8, otherwise base64.
func decodeFileContent(content []byte) map[string]interface{} {
	if utf8.Valid(content) {
		return map[string]interface{}{"content": string(content), "binary": false, "size": len(content)}
	}
	return map[string]interface{}{"content": base64.StdEncoding.EncodeToString(content), "binary": true, "size": len(content)}
}

func encodeFileContent(content string, binary bool) ([]byte, error) {
	if binary {
		return base64.StdEncoding.DecodeString(content)
	}
	return []byte(content), nil
}
