package memory

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Sampler reports the resident set size of pid in bytes.
type Sampler interface {
	RSS(pid int) (uint64, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(pid int) (uint64, error)

func (f SamplerFunc) RSS(pid int) (uint64, error) { return f(pid) }

// ProcSampler samples through gopsutil. With Tree set, the RSS of all
// descendants is added, which matters when the app runs behind a shell
// or an interpreter wrapper.
type ProcSampler struct {
	Tree bool
}

func (s ProcSampler) RSS(pid int) (uint64, error) {
	p, err := gopsproc.NewProcess(int32(pid)) // #nosec G115 pids fit in int32
	if err != nil {
		return 0, err
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	total := mi.RSS
	if !s.Tree {
		return total, nil
	}
	total += childrenRSS(p, 0)
	return total, nil
}

// maxDepth stops runaway recursion on pathological trees.
const maxDepth = 16

func childrenRSS(p *gopsproc.Process, depth int) uint64 {
	if depth >= maxDepth {
		return 0
	}
	kids, err := p.Children()
	if err != nil {
		// includes gopsproc.ErrorNoChildren, the common case
		return 0
	}
	var sum uint64
	for _, k := range kids {
		if mi, err := k.MemoryInfo(); err == nil {
			sum += mi.RSS
		}
		sum += childrenRSS(k, depth+1)
	}
	return sum
}
