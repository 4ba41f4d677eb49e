package console

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiDim    = "\033[2m"
)

func colorize(s, c string) string { return c + s + ansiReset }

const tsLayout = "2006-01-02 15:04:05"

type Sink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSink(w io.Writer) *Sink { return &Sink{w: w} }

// WriteSet 一个商品一块：标题行 + 每个机会一行
func (s *Sink) WriteSet(ts time.Time, set model.OpportunitySet) error {
	var sb strings.Builder
	sb.WriteString(colorize("[ARB] ", ansiDim))
	fmt.Fprintf(&sb, "%s %s  %d opportunities\n", ts.Format(tsLayout), set.ProductID, len(set.Opportunities))

	if len(set.Opportunities) == 0 {
		sb.WriteString(colorize("  -- no market clears the margin floor --\n", ansiDim))
	}
	for i, o := range set.Opportunities {
		fmt.Fprintf(&sb, "  %d. %-10s sell=%-10.2f cost=%-10.2f profit=%s score=%.3f risk=%.2f conf=%.2f qty=%d-%d %s expires=%s\n",
			i+1,
			o.MarketID,
			o.SellPrice,
			o.TotalCost,
			colorize(fmt.Sprintf("%+.2f (%.1f%%)", o.NetProfit, o.ProfitMargin*100), marginColor(o.ProfitMargin)),
			o.Score,
			o.RiskScore,
			o.Confidence,
			o.OptimalQuantity.Min,
			o.OptimalQuantity.Max,
			o.TimeSensitivity,
			o.ExpiresAt.Format(tsLayout),
		)
	}
	return s.write(sb.String())
}

// WriteReport 一轮刷新的汇总行
func (s *Sink) WriteReport(ts time.Time, r model.RefreshReport) error {
	var sb strings.Builder
	sb.WriteString(colorize("[ARB] ", ansiDim))
	fmt.Fprintf(&sb, "%s refresh ", ts.Format(tsLayout))
	sb.WriteString(colorize(fmt.Sprintf("ok=%d", len(r.Succeeded)), ansiGreen))
	sb.WriteString(" ")

	failCol := ansiYellow
	if r.AllFailed() {
		failCol = ansiRed
	}
	sb.WriteString(colorize(fmt.Sprintf("failed=%d", len(r.Failed)), failCol))
	if len(r.Skipped) > 0 {
		fmt.Fprintf(&sb, " skipped=%d", len(r.Skipped))
	}

	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&sb, "\n  %s: %s", id, r.Failed[id])
	}
	sb.WriteString("\n")
	return s.write(sb.String())
}

func (s *Sink) NewLine() error {
	return s.write("\n")
}

func (s *Sink) write(str string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.w, str)
	return err
}

func marginColor(m float64) string {
	switch {
	case m > 0.25:
		return ansiGreen
	case m > 0.15:
		return ansiYellow
	default:
		return ansiRed
	}
}

var _ port.Sink = (*Sink)(nil)
