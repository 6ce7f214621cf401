package portscan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mateuszsury/pulsar/internal/events"
	"github.com/mateuszsury/pulsar/internal/serialio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsESPFamilyByVID(t *testing.T) {
	p := fromPortInfo(serialio.PortInfo{Name: "COM3", VID: "10c4", Product: "Unknown"})
	assert.True(t, p.IsESPFamily)
	assert.Equal(t, "10C4", p.VID)
}

func TestIsESPFamilyByProductKeyword(t *testing.T) {
	p := fromPortInfo(serialio.PortInfo{Name: "/dev/ttyUSB0", VID: "FFFF", Product: "CP2102 USB to UART Bridge"})
	assert.True(t, p.IsESPFamily)
}

func TestIsESPFamilyFalseForUnrelatedDevice(t *testing.T) {
	p := fromPortInfo(serialio.PortInfo{Name: "COM5", VID: "FFFF", Product: "Generic Modem"})
	assert.False(t, p.IsESPFamily)
}

func TestScanFamilyFiltersNonESPPorts(t *testing.T) {
	s := NewWithLister(nil, func() ([]serialio.PortInfo, error) {
		return []serialio.PortInfo{
			{Name: "COM3", VID: "10C4"},
			{Name: "COM4", VID: "FFFF", Product: "Generic Modem"},
		}, nil
	})

	ports, err := s.ScanFamily()
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "COM3", ports[0].Name)
}

func TestWatchEmitsInventoryBeforeTicking(t *testing.T) {
	bus := events.NewBus(16)
	bus.Start()
	defer bus.Stop()

	var mu sync.Mutex
	var inventories []interface{}
	bus.Subscribe(events.Inventory, func(ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		inventories = append(inventories, ev.Payload["ports"])
		return nil
	})

	s := NewWithLister(bus, func() ([]serialio.PortInfo, error) {
		return []serialio.PortInfo{{Name: "COM3"}, {Name: "COM4"}}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.Watch(ctx, time.Hour)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, inventories, 1)
	ports, ok := inventories[0].([]Port)
	require.True(t, ok)
	assert.Len(t, ports, 2)
}

func TestWatchEmitsAddedAndRemoved(t *testing.T) {
	bus := events.NewBus(16)
	bus.Start()
	defer bus.Stop()

	var mu sync.Mutex
	var added, removed []string
	bus.Subscribe(events.PortAdded, func(ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		added = append(added, ev.Source)
		return nil
	})
	bus.Subscribe(events.PortRemoved, func(ev events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		removed = append(removed, ev.Source)
		return nil
	})

	var callCount int
	var listMu sync.Mutex
	s := NewWithLister(bus, func() ([]serialio.PortInfo, error) {
		listMu.Lock()
		defer listMu.Unlock()
		callCount++
		if callCount == 1 {
			return []serialio.PortInfo{{Name: "COM3"}}, nil
		}
		return []serialio.PortInfo{{Name: "COM4"}}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	s.Watch(ctx, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, added, "COM4")
	assert.Contains(t, removed, "COM3")
}
