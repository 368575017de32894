package guard

import (
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"semaphore/internal/config"
	"semaphore/internal/protocol"
	"semaphore/pkg/logging"
)

// ErrAtCapacity rejects new connections; the transport closes with 1008.
var ErrAtCapacity = errors.New("server at capacity")

// LoadManager applies admission thresholds and advisory backpressure. It
// holds no counters of its own; callers pass in the current figures so the
// registry and connection table stay the single sources of truth.
type LoadManager struct {
	cfg    config.LoadConfig
	logger logging.Logger
}

func NewLoadManager(cfg config.LoadConfig, logger logging.Logger) *LoadManager {
	return &LoadManager{cfg: cfg, logger: logger}
}

// AdmitConnection decides whether a new connection may be accepted given
// the current connection and channel counts.
func (m *LoadManager) AdmitConnection(connections, channels int) error {
	if m.overThreshold(connections, m.cfg.MaxConnections) || m.overThreshold(channels, m.cfg.MaxGlobalChannels) {
		return ErrAtCapacity
	}
	return nil
}

// AdmitSubscription decides whether a socket may take another channel.
func (m *LoadManager) AdmitSubscription(socketChannels, globalChannels int) *protocol.Error {
	if m.cfg.MaxChannelsPerConnection > 0 && socketChannels >= m.cfg.MaxChannelsPerConnection {
		return &protocol.Error{
			Kind:    protocol.ErrCapacity,
			Message: fmt.Sprintf("channel limit of %d reached for this connection", m.cfg.MaxChannelsPerConnection),
			Status:  429,
		}
	}
	if m.overThreshold(globalChannels, m.cfg.MaxGlobalChannels) {
		return &protocol.Error{
			Kind:    protocol.ErrCapacity,
			Message: "server channel capacity reached",
			Status:  429,
		}
	}
	return nil
}

// ShouldDrop reports whether non-critical frames to a socket should be
// skipped given its queued outbound bytes.
func (m *LoadManager) ShouldDrop(queuedBytes int64) bool {
	return m.cfg.BackpressureThreshold > 0 && queuedBytes > m.cfg.BackpressureThreshold
}

// MaxBatchSize caps batch operation list lengths.
func (m *LoadManager) MaxBatchSize() int {
	return m.cfg.MaxBatchSize
}

func (m *LoadManager) overThreshold(current, max int) bool {
	if max <= 0 {
		return false
	}
	return float64(current) >= m.cfg.ShedLoadAt*float64(max)
}

// SystemLoad samples host CPU and memory utilization for the stats
// surface. Failures are logged and reported as zero.
func (m *LoadManager) SystemLoad() (cpuPercent, memPercent float64) {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	} else if err != nil {
		m.logger.WithError(err).Debug("Failed to sample CPU usage")
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	} else {
		m.logger.WithError(err).Debug("Failed to sample memory usage")
	}
	return cpuPercent, memPercent
}
