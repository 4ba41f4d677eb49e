package refresh

import (
	"time"

	"arbengine/internal/domain/model"
)

// State 调度器状态机
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateSleeping
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Cycle outcomes, also used as the metrics label.
const (
	OutcomeOK        = "ok"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeListError = "list_error"
	OutcomeEmpty     = "empty"
	OutcomeCancelled = "cancelled"
)

// Cycle 一轮刷新的结果
type Cycle struct {
	Started  time.Time
	Duration time.Duration
	Outcome  string
	Report   model.RefreshReport
	Err      error // 仅在列目录失败时非空
}

// needsBackoff reports whether the next wake should use the backoff delay
// instead of the regular interval.
func (c Cycle) needsBackoff() bool {
	return c.Outcome == OutcomeListError || c.Outcome == OutcomeFailed
}

// Summary 推送给订阅者的 refresh_summary 数据
type Summary struct {
	Outcome    string            `json:"outcome"`
	Succeeded  int               `json:"succeeded"`
	Failed     map[string]string `json:"failed,omitempty"`
	Skipped    int               `json:"skipped,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
}

func summarize(c Cycle) Summary {
	s := Summary{
		Outcome:    c.Outcome,
		Succeeded:  len(c.Report.Succeeded),
		Skipped:    len(c.Report.Skipped),
		DurationMs: c.Duration.Milliseconds(),
	}
	if len(c.Report.Failed) > 0 {
		s.Failed = c.Report.Failed
	}
	if c.Err != nil {
		s.Error = c.Err.Error()
	}
	return s
}

func outcomeOf(r model.RefreshReport) string {
	switch {
	case r.AllFailed():
		return OutcomeFailed
	case len(r.Failed) > 0:
		return OutcomePartial
	case len(r.Skipped) > 0:
		return OutcomeCancelled
	case len(r.Succeeded) == 0:
		return OutcomeEmpty
	default:
		return OutcomeOK
	}
}
