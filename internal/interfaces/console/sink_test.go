package console

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"arbengine/internal/domain/model"
)

var ts = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestWriteSet(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)

	err := s.WriteSet(ts, model.OpportunitySet{
		ProductID: "saffron",
		Opportunities: []model.Opportunity{
			{MarketID: "US", SellPrice: 4500, TotalCost: 3709, NetProfit: 791, ProfitMargin: 0.2133, TimeSensitivity: model.SensitivityMedium},
			{MarketID: "EU", SellPrice: 4000, TotalCost: 3500, NetProfit: 500, ProfitMargin: 0.1429},
		},
	})
	if err != nil {
		t.Fatalf("WriteSet failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "saffron  2 opportunities") {
		t.Errorf("missing header, got %q", out)
	}
	if !strings.Contains(out, "1. US") || !strings.Contains(out, "2. EU") {
		t.Errorf("missing market lines, got %q", out)
	}
	if !strings.Contains(out, ansiYellow+"+791.00 (21.3%)") {
		t.Errorf("expected yellow margin for US, got %q", out)
	}
	if !strings.Contains(out, ansiRed+"+500.00 (14.3%)") {
		t.Errorf("expected red margin for EU, got %q", out)
	}
}

func TestWriteSetEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := NewSink(&buf).WriteSet(ts, model.OpportunitySet{ProductID: "pepper"}); err != nil {
		t.Fatalf("WriteSet failed: %v", err)
	}
	if !strings.Contains(buf.String(), "no market clears") {
		t.Errorf("expected empty marker, got %q", buf.String())
	}
}

func TestWriteReport(t *testing.T) {
	var buf bytes.Buffer
	s := NewSink(&buf)

	err := s.WriteReport(ts, model.RefreshReport{
		Succeeded: []string{"saffron"},
		Failed:    map[string]string{"vanilla": "unknown product", "clove": "predictor down"},
	})
	if err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "ok=1") || !strings.Contains(out, "failed=2") {
		t.Errorf("missing counts, got %q", out)
	}
	if strings.Index(out, "clove") > strings.Index(out, "vanilla") {
		t.Errorf("failures should be sorted, got %q", out)
	}
}
