package orchestrator

import (
	"fmt"
	"time"
)

// Stats tracks time spent per stage of a run.
type Stats struct {
	// FetchTime is total time spent downloading pages.
	FetchTime time.Duration

	// MergeTime is total time spent writing merged feature classes.
	MergeTime time.Duration

	// DeriveTime is total time spent joining and extracting scenario classes.
	DeriveTime time.Duration

	// DistributeTime is total time spent building scenario stores.
	DistributeTime time.Duration

	// Records is the number of records downloaded.
	Records int64
}

// String returns a formatted summary of the stats.
func (s *Stats) String() string {
	total := s.TotalTime()
	if total == 0 {
		return "no data"
	}
	pct := func(d time.Duration) float64 { return float64(d) / float64(total) * 100 }
	return fmt.Sprintf("fetch=%.1fs (%.0f%%), merge=%.1fs (%.0f%%), derive=%.1fs (%.0f%%), distribute=%.1fs (%.0f%%), records=%d",
		s.FetchTime.Seconds(), pct(s.FetchTime),
		s.MergeTime.Seconds(), pct(s.MergeTime),
		s.DeriveTime.Seconds(), pct(s.DeriveTime),
		s.DistributeTime.Seconds(), pct(s.DistributeTime),
		s.Records)
}

// TotalTime returns the sum of all stage timings.
func (s *Stats) TotalTime() time.Duration {
	return s.FetchTime + s.MergeTime + s.DeriveTime + s.DistributeTime
}

// RecordsPerSecond calculates download throughput.
func (s *Stats) RecordsPerSecond() float64 {
	if s.FetchTime == 0 {
		return 0
	}
	return float64(s.Records) / s.FetchTime.Seconds()
}
