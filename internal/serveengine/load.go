package serveengine

import (
	"github.com/prometheus/procfs"
)

// LoadMonitor samples a recent system load figure, the same role
// getloadavg(3) played in the Apache module: a cheap back-pressure signal
// consulted before committing to a synchronous render.
type LoadMonitor interface {
	Load() float64
}

// ProcfsLoadMonitor reads the one-minute load average from /proc/loadavg.
// When the read fails (non-Linux, restricted proc), it reports a very high
// load so callers fall back to their overloaded-system branch rather than
// assume the machine is idle.
type ProcfsLoadMonitor struct {
	fs procfs.FS
}

func NewProcfsLoadMonitor() (*ProcfsLoadMonitor, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &ProcfsLoadMonitor{fs: fs}, nil
}

func (m *ProcfsLoadMonitor) Load() float64 {
	avg, err := m.fs.LoadAvg()
	if err != nil {
		return 1000
	}
	return avg.Load1
}

// StaticLoad is a fixed LoadMonitor, for tests and for deployments that
// disable load-based gating by pinning it at zero.
type StaticLoad float64

func (s StaticLoad) Load() float64 { return float64(s) }
