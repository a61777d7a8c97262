package resource

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Type identifies a monitored resource class.
type Type string

const (
	TypeCPU     Type = "cpu"
	TypeMemory  Type = "memory"
	TypeDisk    Type = "disk"
	TypeNetwork Type = "network"
)

// Types lists every monitored resource type.
var Types = []Type{TypeCPU, TypeMemory, TypeDisk, TypeNetwork}

// Snapshot is an immutable sample of system utilization.
type Snapshot struct {
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	DiskPercent    float64   `json:"disk_percent"`
	NetworkPercent float64   `json:"network_percent"`
	Connections    int       `json:"connections"`
	Threads        int       `json:"threads"`
}

// Utilization returns the percentage for one resource type.
func (s *Snapshot) Utilization(t Type) float64 {
	switch t {
	case TypeCPU:
		return s.CPUPercent
	case TypeMemory:
		return s.MemoryPercent
	case TypeDisk:
		return s.DiskPercent
	case TypeNetwork:
		return s.NetworkPercent
	default:
		return 0
	}
}

// Collector samples system utilization on demand.
type Collector interface {
	Sample(ctx context.Context) (*Snapshot, error)
}

// SystemCollector implements Collector with gopsutil. Network utilization is
// derived from the byte-rate delta between samples against a configured
// link capacity.
type SystemCollector struct {
	diskPath          string
	netCapacityBytesS float64

	mu           sync.Mutex
	lastNetBytes uint64
	lastNetAt    time.Time

	proc *process.Process
}

// NewSystemCollector creates a collector for the current process and host.
func NewSystemCollector(diskPath string, netCapacityBytesPerSec float64) *SystemCollector {
	if diskPath == "" {
		diskPath = "/"
	}
	if netCapacityBytesPerSec <= 0 {
		netCapacityBytesPerSec = 125 * 1024 * 1024 // 1 Gbit/s
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &SystemCollector{
		diskPath:          diskPath,
		netCapacityBytesS: netCapacityBytesPerSec,
		proc:              proc,
	}
}

// Sample captures one snapshot. A failure on any sub-sample aborts the
// whole sample; the caller skips the tick and retries next interval.
func (c *SystemCollector) Sample(ctx context.Context) (*Snapshot, error) {
	now := time.Now()

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("sample cpu: %w", err)
	}
	cpuPercent := float64(0)
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample memory: %w", err)
	}

	diskInfo, err := disk.UsageWithContext(ctx, c.diskPath)
	if err != nil {
		diskInfo = &disk.UsageStat{}
	}

	snapshot := &Snapshot{
		Timestamp:     now,
		CPUPercent:    cpuPercent,
		MemoryPercent: memInfo.UsedPercent,
		DiskPercent:   diskInfo.UsedPercent,
		Threads:       runtime.NumGoroutine(),
	}

	if netStats, err := net.IOCountersWithContext(ctx, false); err == nil && len(netStats) > 0 {
		total := netStats[0].BytesSent + netStats[0].BytesRecv
		c.mu.Lock()
		if !c.lastNetAt.IsZero() && total >= c.lastNetBytes {
			elapsed := now.Sub(c.lastNetAt).Seconds()
			if elapsed > 0 {
				rate := float64(total-c.lastNetBytes) / elapsed
				snapshot.NetworkPercent = clampPercent(rate / c.netCapacityBytesS * 100)
			}
		}
		c.lastNetBytes = total
		c.lastNetAt = now
		c.mu.Unlock()
	}

	if c.proc != nil {
		if conns, err := c.proc.ConnectionsWithContext(ctx); err == nil {
			snapshot.Connections = len(conns)
		}
		if threads, err := c.proc.NumThreadsWithContext(ctx); err == nil {
			snapshot.Threads = int(threads)
		}
	}

	return snapshot, nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// StaticCollector returns canned snapshots, for tests and dry runs.
type StaticCollector struct {
	mu       sync.Mutex
	snapshot Snapshot
	err      error
}

// NewStaticCollector creates a collector that always returns the given
// utilization percentages.
func NewStaticCollector(cpu, memory, diskPct, network float64) *StaticCollector {
	return &StaticCollector{
		snapshot: Snapshot{
			CPUPercent:     cpu,
			MemoryPercent:  memory,
			DiskPercent:    diskPct,
			NetworkPercent: network,
		},
	}
}

func (c *StaticCollector) Sample(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	s := c.snapshot
	s.Timestamp = time.Now()
	return &s, nil
}

// SetUtilization replaces the canned percentages.
func (c *StaticCollector) SetUtilization(t Type, percent float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch t {
	case TypeCPU:
		c.snapshot.CPUPercent = percent
	case TypeMemory:
		c.snapshot.MemoryPercent = percent
	case TypeDisk:
		c.snapshot.DiskPercent = percent
	case TypeNetwork:
		c.snapshot.NetworkPercent = percent
	}
}

// SetError makes subsequent samples fail, simulating a broken probe.
func (c *StaticCollector) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}
