package tick

// FeedStats tracks per (vendor, symbol) health counters, updated on every
// delivered tick.
type FeedStats struct {
	Vendor          Vendor
	Symbol          string
	TicksReceived   int64
	LastTickTimeNs  int64
	GapsDetected    int64
	LastSequence    int64
	LatencyNsAvg    int64
}

// Update folds one tick into the running statistics. receiveTimeNs is the
// ingress wall-clock time at which the tick was observed locally.
func (s *FeedStats) Update(t Tick, receiveTimeNs int64) {
	s.TicksReceived++

	if t.SequenceNum != nil {
		seq := *t.SequenceNum
		if s.LastSequence > 0 && seq != s.LastSequence+1 {
			s.GapsDetected++
		}
		s.LastSequence = seq
	}

	if t.TimestampNs > 0 {
		latency := receiveTimeNs - t.TimestampNs
		if s.LatencyNsAvg == 0 {
			s.LatencyNsAvg = latency
		} else {
			s.LatencyNsAvg = int64(0.9*float64(s.LatencyNsAvg) + 0.1*float64(latency))
		}
	}

	s.LastTickTimeNs = receiveTimeNs
}

// BufferStats tracks batcher-level counters.
type BufferStats struct {
	Received       int64
	Processed      int64
	Dropped        int64
	BatchesFlushed int64
	MaxLatencyNs   int64
	AvgLatencyNs   int64
}

// RecordFlush folds the latency observed during one flush (now minus the
// oldest tick's timestamp in the flushed batch) into the running stats.
func (s *BufferStats) RecordFlush(latencyNs int64, batchLen int) {
	if latencyNs > s.MaxLatencyNs {
		s.MaxLatencyNs = latencyNs
	}
	s.AvgLatencyNs = int64(0.9*float64(s.AvgLatencyNs) + 0.1*float64(latencyNs))
	s.Processed += int64(batchLen)
	s.BatchesFlushed++
}
