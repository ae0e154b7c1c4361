package callbacks

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/effective-security/dssatmcp/pkg/toolerr"
	"github.com/effective-security/dssatmcp/tools"
)

var TimeNowFn = time.Now

// ToolStats is the per tool invocation summary
type ToolStats struct {
	Calls     uint32                  `json:"calls"`
	Succeeded uint32                  `json:"succeeded"`
	Failed    uint32                  `json:"failed"`
	ByKind    map[toolerr.Kind]uint32 `json:"by_kind,omitempty"`
	LastCall  time.Time               `json:"last_call"`
}

// RunStats is the summary of the invocations since start
type RunStats struct {
	Started  time.Time             `json:"started"`
	NotFound uint32                `json:"not_found"`
	Tools    map[string]*ToolStats `json:"tools"`
}

// Stats collects invocation counters
type Stats struct {
	lock  sync.Mutex
	stats RunStats
}

func NewStats() *Stats {
	return &Stats{
		stats: RunStats{
			Started: TimeNowFn().UTC(),
			Tools:   map[string]*ToolStats{},
		},
	}
}

// GetStats returns a copy of the collected stats
func (s *Stats) GetStats() RunStats {
	s.lock.Lock()
	defer s.lock.Unlock()

	res := RunStats{
		Started:  s.stats.Started,
		NotFound: s.stats.NotFound,
		Tools:    make(map[string]*ToolStats, len(s.stats.Tools)),
	}
	for name, ts := range s.stats.Tools {
		c := *ts
		c.ByKind = maps.Clone(ts.ByKind)
		res.Tools[name] = &c
	}
	return res
}

func (s *Stats) tool(name string) *ToolStats {
	ts := s.stats.Tools[name]
	if ts == nil {
		ts = &ToolStats{}
		s.stats.Tools[name] = ts
	}
	return ts
}

func (s *Stats) OnToolStart(ctx context.Context, tool tools.ITool, args json.RawMessage) {
	s.lock.Lock()
	defer s.lock.Unlock()
	ts := s.tool(tool.Name())
	ts.Calls++
	ts.LastCall = TimeNowFn().UTC()
}

func (s *Stats) OnToolEnd(ctx context.Context, tool tools.ITool, args json.RawMessage, output any) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.tool(tool.Name()).Succeeded++
}

func (s *Stats) OnToolError(ctx context.Context, tool tools.ITool, args json.RawMessage, err *toolerr.Error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	ts := s.tool(tool.Name())
	ts.Failed++
	if ts.ByKind == nil {
		ts.ByKind = map[toolerr.Kind]uint32{}
	}
	ts.ByKind[err.Kind]++
}

func (s *Stats) OnToolNotFound(ctx context.Context, name string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.stats.NotFound++
}
