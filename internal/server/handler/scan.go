package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marginbot/internal/service"
)

// Scanner runs a liquidation scan on demand.
type Scanner interface {
	RunLiquidationScan(ctx context.Context) (service.ScanReport, error)
}

// ScanHandler exposes the manual scan trigger.
type ScanHandler struct {
	scanner Scanner
	logger  *slog.Logger
}

// NewScanHandler creates a ScanHandler.
func NewScanHandler(scanner Scanner, logger *slog.Logger) *ScanHandler {
	return &ScanHandler{scanner: scanner, logger: logHandler(logger, "scan")}
}

type scanResponse struct {
	Skipped    bool                      `json:"skipped"`
	DurationMs int64                     `json:"duration_ms"`
	Evaluated  int                       `json:"evaluated"`
	Alerted    int                       `json:"alerted"`
	Liquidated int                       `json:"liquidated"`
	Failures   []service.PositionFailure `json:"failures"`
}

// TriggerScan runs one scan synchronously and reports its outcome. A scan
// already in flight yields 409.
// POST /api/scan
func (h *ScanHandler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	report, err := h.scanner.RunLiquidationScan(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "scan", err)
		return
	}
	failures := report.Failures
	if failures == nil {
		failures = []service.PositionFailure{}
	}
	writeJSON(w, http.StatusOK, scanResponse{
		Skipped:    report.Skipped,
		DurationMs: report.Duration.Milliseconds(),
		Evaluated:  report.Evaluated,
		Alerted:    report.Alerted,
		Liquidated: report.Liquidated,
		Failures:   failures,
	})
}
