package port

import (
	"time"

	"arbengine/internal/domain/model"
)

type Sink interface {
	// One block per product: header line, then one line per opportunity
	WriteSet(ts time.Time, set model.OpportunitySet) error
	// Summary line of a refresh cycle
	WriteReport(ts time.Time, r model.RefreshReport) error
	// Normal newline (for logs)
	NewLine() error
}
