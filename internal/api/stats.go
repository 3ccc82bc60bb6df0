package api

import (
	"sync"
	"time"

	"github.com/nugget/reeve/internal/buildinfo"
)

// ServiceStats tracks operation counters for the current process. It
// backs the /v1/stats endpoint and feeds the MQTT announcer's periodic
// state topics.
type ServiceStats struct {
	mu                  sync.Mutex
	checkpointsStored   int64
	transcriptsServed   int64
	transcriptsExported int64
	feedbackRecorded    int64
}

func (s *ServiceStats) RecordCheckpoint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpointsStored++
}

func (s *ServiceStats) RecordTranscript() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriptsServed++
}

func (s *ServiceStats) RecordExport() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcriptsExported++
}

func (s *ServiceStats) RecordFeedback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedbackRecorded++
}

// CheckpointsStored returns the number of checkpoints ingested over the
// API since the process started.
func (s *ServiceStats) CheckpointsStored() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointsStored
}

// TranscriptsServed returns the number of history requests answered
// since the process started.
func (s *ServiceStats) TranscriptsServed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptsServed
}

// Uptime reports how long the process has been running.
func (s *ServiceStats) Uptime() time.Duration {
	return buildinfo.Uptime()
}

// Version reports the running build version.
func (s *ServiceStats) Version() string {
	return buildinfo.Version
}

// StatsSnapshot is a copy-safe snapshot of service stats.
type StatsSnapshot struct {
	CheckpointsStored   int64             `json:"checkpoints_stored"`
	TranscriptsServed   int64             `json:"transcripts_served"`
	TranscriptsExported int64             `json:"transcripts_exported"`
	FeedbackRecorded    int64             `json:"feedback_recorded"`
	Uptime              string            `json:"uptime"`
	Build               map[string]string `json:"build,omitempty"`
}

func (s *ServiceStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		CheckpointsStored:   s.checkpointsStored,
		TranscriptsServed:   s.transcriptsServed,
		TranscriptsExported: s.transcriptsExported,
		FeedbackRecorded:    s.feedbackRecorded,
		Uptime:              buildinfo.Uptime().Truncate(time.Second).String(),
	}
}
