package transcription

import (
	"sort"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/yegors/whisper-gateway/pkg/logger"
)

// ModelStats describes the process backing one loaded model
type ModelStats struct {
	Key           string  `json:"key"`
	PID           int     `json:"pid,omitempty"`
	RSSBytes      uint64  `json:"rss_bytes,omitempty"`
	VMSBytes      uint64  `json:"vms_bytes,omitempty"`
	MemoryPercent float32 `json:"memory_percent,omitempty"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	Alive         bool    `json:"alive"`
}

// processBacked is implemented by models that run in their own process
type processBacked interface {
	PID() int
}

// Stats samples the processes behind every loaded model. Models without a
// process, or whose process cannot be inspected, are reported by key only.
func (c *ModelCache) Stats() []ModelStats {
	c.mu.RLock()
	models := make(map[string]Model, len(c.models))
	for k, m := range c.models {
		models[k] = m
	}
	c.mu.RUnlock()

	stats := make([]ModelStats, 0, len(models))
	for key, m := range models {
		s := ModelStats{Key: key, Alive: alive(m)}
		if pb, ok := m.(processBacked); ok && s.Alive {
			s.PID = pb.PID()
			c.sample(&s)
		}
		stats = append(stats, s)
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

func (c *ModelCache) sample(s *ModelStats) {
	// NewProcess looks up an existing process, it does not start one
	p, err := process.NewProcess(int32(s.PID))
	if err != nil {
		c.logger.Debug("Failed to find model process", logger.String("key", s.Key), logger.Int("pid", s.PID), logger.Error(err))
		return
	}

	if mem, err := p.MemoryInfo(); err == nil {
		s.RSSBytes = mem.RSS
		s.VMSBytes = mem.VMS
	} else {
		c.logger.Debug("Failed to read model process memory", logger.String("key", s.Key), logger.Error(err))
	}
	if pct, err := p.MemoryPercent(); err == nil {
		s.MemoryPercent = pct
	}
	if pct, err := p.CPUPercent(); err == nil {
		s.CPUPercent = pct
	}
}
