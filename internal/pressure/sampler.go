package pressure

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// Sampler reports resident memory as a fraction of physical memory.
type Sampler interface {
	Sample() (float64, error)
}

// ProcSampler reads RSS and total memory from /proc.
type ProcSampler struct {
	totalBytes uint64
}

// NewProcSampler creates a sampler. totalOverride, when non-zero, replaces
// the /proc/meminfo total (used in tests and memory-constrained cgroups).
func NewProcSampler(totalOverride uint64) (*ProcSampler, error) {
	total := totalOverride
	if total == 0 {
		fs, err := procfs.NewDefaultFS()
		if err != nil {
			return nil, fmt.Errorf("open procfs: %w", err)
		}
		mi, err := fs.Meminfo()
		if err != nil {
			return nil, fmt.Errorf("read meminfo: %w", err)
		}
		if mi.MemTotal == nil || *mi.MemTotal == 0 {
			return nil, fmt.Errorf("meminfo reports no total memory")
		}
		total = *mi.MemTotal * 1024 // meminfo is in kB
	}
	return &ProcSampler{totalBytes: total}, nil
}

// Sample returns current RSS / total physical memory.
func (s *ProcSampler) Sample() (float64, error) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, fmt.Errorf("open self proc: %w", err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("read proc stat: %w", err)
	}
	return float64(stat.ResidentMemory()) / float64(s.totalBytes), nil
}
