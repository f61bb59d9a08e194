// Package health reports process-level vitals for the health endpoint.
package health

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

type Report struct {
	PID           int32     `json:"pid"`
	GoVersion     string    `json:"goVersion"`
	Goroutines    int       `json:"goroutines"`
	Threads       int32     `json:"threads,omitempty"`
	RSSBytes      uint64    `json:"rssBytes,omitempty"`
	CPUPercent    float64   `json:"cpuPercent"`
	StartedAt     time.Time `json:"startedAt"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
}

// Reporter samples the current process. Sampling failures leave the
// affected fields zero; a report is always produced.
type Reporter struct {
	proc    *process.Process
	started time.Time
	now     func() time.Time
}

func NewReporter() (*Reporter, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Reporter{proc: p, started: time.Now(), now: time.Now}, nil
}

func (r *Reporter) Report(ctx context.Context) Report {
	rep := Report{
		PID:           r.proc.Pid,
		GoVersion:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		StartedAt:     r.started.UTC(),
		UptimeSeconds: r.now().Sub(r.started).Seconds(),
	}
	if mem, err := r.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		rep.RSSBytes = mem.RSS
	}
	if cpu, err := r.proc.CPUPercentWithContext(ctx); err == nil {
		rep.CPUPercent = cpu
	}
	if n, err := r.proc.NumThreadsWithContext(ctx); err == nil {
		rep.Threads = n
	}
	return rep
}
