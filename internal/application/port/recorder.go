package port

import "time"

// Recorder 业务指标埋点
type Recorder interface {
	CacheLookup(hit bool)
	ComputeDuration(d time.Duration)
	PredictionFailed(marketID string)
	ProductRefreshed(ok bool)
	RefreshCycle(outcome string, d time.Duration)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) CacheLookup(bool)                   {}
func (NopRecorder) ComputeDuration(time.Duration)      {}
func (NopRecorder) PredictionFailed(string)            {}
func (NopRecorder) ProductRefreshed(bool)              {}
func (NopRecorder) RefreshCycle(string, time.Duration) {}
