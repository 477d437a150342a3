package metrics

import "time"

// Noop discards every measurement.
type Noop struct{}

func (Noop) RecordEdgeChange(string)                   {}
func (Noop) RecordImpactSignal()                       {}
func (Noop) SetActiveClusters(int)                     {}
func (Noop) SetImpactedClusters(int)                   {}
func (Noop) RecordRefresh(string, bool, time.Duration) {}
func (Noop) RecordFallback(string)                     {}
func (Noop) RecordScoreDecrease(string)                {}
func (Noop) RecordCacheWarm(string, time.Duration)     {}
func (Noop) SetWarmsInFlight(int)                      {}
func (Noop) RecordMessageSent(string, string)          {}
func (Noop) RecordError(string)                        {}
func (Noop) RecordLatency(string, float64)             {}
