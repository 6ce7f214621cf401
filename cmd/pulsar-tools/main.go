// Command pulsar-tools is the Tool Channel entry point: a JSON-RPC 2.0
// server over stdio that exposes device/file/package operations as named
// tools, for editor and CLI integrations, grounded on
// original_source/src/mcp_impl/server.py.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mateuszsury/pulsar/internal/config"
	"github.com/mateuszsury/pulsar/internal/device"
	"github.com/mateuszsury/pulsar/internal/devicemgr"
	"github.com/mateuszsury/pulsar/internal/events"
	"github.com/mateuszsury/pulsar/internal/portscan"
	"github.com/mateuszsury/pulsar/internal/toolchannel"
)

// backend adapts devicemgr.Manager to toolchannel.Backend.
type backend struct {
	devices *devicemgr.Manager
}

func portMap(p portscan.Port) map[string]interface{} {
	return map[string]interface{}{
		"name":          p.Name,
		"vid":           p.VID,
		"pid":           p.PID,
		"serial_number": p.SerialNumber,
		"product":       p.Product,
		"is_usb":        p.IsUSB,
		"is_esp_family": p.IsESPFamily,
	}
}

func (b *backend) ListPorts() ([]map[string]interface{}, error) {
	ports, err := b.devices.ScanPorts()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, len(ports))
	for i, p := range ports {
		out[i] = portMap(p)
	}
	return out, nil
}

func (b *backend) ListESPPorts() ([]map[string]interface{}, error) {
	ports, err := b.devices.ScanESPPorts()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, len(ports))
	for i, p := range ports {
		out[i] = portMap(p)
	}
	return out, nil
}

func (b *backend) Connect(port string, baud int) (map[string]interface{}, error) {
	if err := b.devices.Connect(port, baud); err != nil {
		return nil, err
	}
	return b.GetDeviceInfo(port)
}

func (b *backend) Disconnect(port string) error {
	return b.devices.Disconnect(port)
}

func (b *backend) GetDeviceInfo(port string) (map[string]interface{}, error) {
	sess, ok := b.devices.GetSession(port)
	if !ok {
		return nil, fmt.Errorf("device %s not connected", port)
	}
	info := sess.Info()
	return map[string]interface{}{
		"port":         sess.PortID,
		"state":        string(sess.State()),
		"firmware":     info.Firmware,
		"machine":      info.Machine,
		"platform":     info.Platform,
		"connected_at": info.ConnectedAt,
	}, nil
}

func (b *backend) ListDevices() ([]map[string]interface{}, error) {
	sessions := b.devices.Sessions()
	out := make([]map[string]interface{}, len(sessions))
	for i, sess := range sessions {
		info := sess.Info()
		out[i] = map[string]interface{}{
			"port":     sess.PortID,
			"state":    string(sess.State()),
			"firmware": info.Firmware,
		}
	}
	return out, nil
}

func (b *backend) Execute(port, code string, timeoutSec float64) (map[string]interface{}, error) {
	output, errText, success := b.devices.Execute(port, code, time.Duration(timeoutSec*float64(time.Second)))
	return map[string]interface{}{
		"output":  output,
		"error":   errText,
		"success": success,
	}, nil
}

func (b *backend) Interrupt(port string) error {
	return b.devices.Interrupt(port)
}

func (b *backend) Reset(port string, soft bool) error {
	sess, ok := b.devices.GetSession(port)
	if !ok {
		return fmt.Errorf("device %s not connected", port)
	}
	return sess.Reset(context.Background(), soft)
}

func (b *backend) ListFiles(port, path string) ([]map[string]interface{}, error) {
	ft, err := b.devices.Files(port)
	if err != nil {
		return nil, err
	}
	entries, err := ft.List(path)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, len(entries))
	for i, e := range entries {
		out[i] = map[string]interface{}{
			"name":   e.Name,
			"path":   e.Path,
			"is_dir": e.IsDir,
			"size":   e.SizeBytes,
		}
	}
	return out, nil
}

func (b *backend) ReadFile(port, path string) ([]byte, error) {
	ft, err := b.devices.Files(port)
	if err != nil {
		return nil, err
	}
	return ft.Read(path, nil)
}

func (b *backend) WriteFile(port, path string, content []byte) error {
	ft, err := b.devices.Files(port)
	if err != nil {
		return err
	}
	return ft.Write(path, content, true, nil)
}

func (b *backend) DeleteFile(port, path string) error {
	ft, err := b.devices.Files(port)
	if err != nil {
		return err
	}
	return ft.Delete(path)
}

func (b *backend) Mkdir(port, path string) error {
	ft, err := b.devices.Files(port)
	if err != nil {
		return err
	}
	return ft.Mkdir(path)
}

func (b *backend) GetLogs(port string, limit int) ([]string, error) {
	sess, ok := b.devices.GetSession(port)
	if !ok {
		return nil, fmt.Errorf("device %s not connected", port)
	}
	lines := sess.GetOutput(false)
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

func (b *backend) WatchLogs(port string, durationSec float64, filterPattern string) ([]string, error) {
	return b.devices.WatchLogs(port, time.Duration(durationSec*float64(time.Second)), filterPattern)
}

func (b *backend) WifiStatus(port string) (map[string]interface{}, error) {
	return b.devices.WifiStatus(port)
}

func (b *backend) InstallFromGitHub(port, url string) error {
	inst, err := b.devices.Packages(port)
	if err != nil {
		return err
	}
	return inst.InstallFromGitHub(url)
}

func (b *backend) InstallPackage(port, name string) error {
	inst, err := b.devices.Packages(port)
	if err != nil {
		return err
	}
	return inst.Install(name)
}

func (b *backend) UninstallPackage(port, name string) error {
	inst, err := b.devices.Packages(port)
	if err != nil {
		return err
	}
	return inst.Uninstall(name)
}

func (b *backend) SyncFolder(port, localFolder, remoteFolder string, dryRun bool) (map[string]interface{}, error) {
	eng, err := b.devices.Sync(port)
	if err != nil {
		return nil, err
	}
	sess, ok := b.devices.GetSession(port)
	if !ok {
		return nil, fmt.Errorf("device %s not connected", port)
	}
	if remoteFolder == "" {
		remoteFolder = "/"
	}
	result := eng.Sync(sess, localFolder, remoteFolder, dryRun)
	return map[string]interface{}{
		"uploaded": result.Uploaded,
		"failed":   result.Failed,
		"skipped":  result.Skipped,
		"errors":   result.Errors,
		"success":  result.Success(),
	}, nil
}

func main() {
	cfg := config.Get()
	bus := events.NewBus(64)
	bus.Start()
	defer bus.Stop()

	devices := devicemgr.New(device.Config{
		ReaderPollInterval: cfg.ReaderPollInterval(),
		ReaderChunkBytes:   cfg.Device.ReaderChunkBytes,
		OutputRingSize:     cfg.Device.OutputRingSize,
	}, bus)

	registry := toolchannel.NewRegistry()
	toolchannel.RegisterTools(registry, &backend{devices: devices})

	slog.Info("pulsar-tools: serving tool channel on stdio", "tools", len(registry.Names()))

	srv := toolchannel.NewServer(registry, os.Stdin, os.Stdout)
	if err := srv.Serve(); err != nil {
		slog.Error("pulsar-tools: serve error", "error", err)
		os.Exit(1)
	}
}
