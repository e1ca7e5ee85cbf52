package cluster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// HeartbeatInterval is how often a worker reports to the master.
const HeartbeatInterval = 10 * time.Second

// ObjectCounter reports how many objects the station can serve. The
// runtime's listing provides it.
type ObjectCounter interface {
	ObjectCount() int
}

// Heartbeat is the worker daemon that reports this station's identity
// and load to the master. The master itself does not run one; the
// registry's self-reporting override keeps it live.
type Heartbeat struct {
	self      types.Station
	masterURL string
	version   string
	objects   ObjectCounter
	client    *http.Client
	interval  time.Duration
	logger    zerolog.Logger
	stopCh    chan struct{}
}

// NewHeartbeat creates a heartbeat daemon. objects may be nil;
// object_count then reports 0.
func NewHeartbeat(self types.Station, masterURL, version string, objects ObjectCounter) *Heartbeat {
	return &Heartbeat{
		self:      self,
		masterURL: masterURL,
		version:   version,
		objects:   objects,
		client:    &http.Client{Timeout: 5 * time.Second},
		interval:  HeartbeatInterval,
		logger:    log.WithComponent("heartbeat"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the heartbeat loop. The first beat goes out
// immediately so the station registers without waiting a full
// interval.
func (h *Heartbeat) Start() {
	go h.run()
}

// Stop terminates the heartbeat loop.
func (h *Heartbeat) Stop() {
	close(h.stopCh)
}

func (h *Heartbeat) run() {
	if err := h.Send(); err != nil {
		h.logger.Warn().Err(err).Msg("Heartbeat failed")
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := h.Send(); err != nil {
				// Logged and retried on the next tick; a dead master
				// must not kill the worker.
				h.logger.Warn().Err(err).Msg("Heartbeat failed")
			}
		case <-h.stopCh:
			return
		}
	}
}

// Send posts one heartbeat with a fresh load sample.
func (h *Heartbeat) Send() error {
	payload := map[string]interface{}{
		"station_id": h.self.StationID,
		"host":       h.self.Host,
		"port":       h.self.Port,
		"metrics":    h.sample(),
		"version":    h.version,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}

	resp, err := h.client.Post(h.masterURL+"/cluster/heartbeat", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("master returned status %d for heartbeat", resp.StatusCode)
	}
	return nil
}

// sample gathers the station's load metrics. Collection failures
// degrade to zero values rather than skipping the heartbeat.
func (h *Heartbeat) sample() types.Metrics {
	m := types.Metrics{
		"cpu_percent":     0,
		"memory_percent":  0,
		"memory_used_mb":  0,
		"memory_total_mb": 0,
		"object_count":    0,
	}

	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		m["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m["memory_percent"] = vm.UsedPercent
		m["memory_used_mb"] = float64(vm.Used) / (1024 * 1024)
		m["memory_total_mb"] = float64(vm.Total) / (1024 * 1024)
	}
	if h.objects != nil {
		m["object_count"] = float64(h.objects.ObjectCount())
	}
	return m
}

// LocalIP returns the address of the outbound interface, falling back
// to 127.0.0.1. No packet is sent; connecting a UDP socket just picks
// the route.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
