package service

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marginbot/internal/domain"
	"github.com/alanyoungcy/marginbot/internal/observability"
	"github.com/alanyoungcy/marginbot/internal/risk"
)

// ScanLockKey names the distributed lock that keeps scans single-flight
// across replicas.
const ScanLockKey = "liquidation_scan"

// MonitorConfig tunes the liquidation monitor.
type MonitorConfig struct {
	Interval         time.Duration
	PositionWorkers  int
	TokenConcurrency int
	LockTTL          time.Duration

	// BorrowToken is the debt token assumed when the account does not
	// report one.
	BorrowToken          string
	AlertThreshold       decimal.Decimal
	LiquidationThreshold decimal.Decimal
	BonusRate            decimal.Decimal
	CollateralFactors    map[string]decimal.Decimal
	BorrowFactors        map[string]decimal.Decimal
}

// MonitoredPositions is what the monitor needs from the position service.
type MonitoredPositions interface {
	ListOpen(ctx context.Context) iter.Seq2[domain.Position, error]
	ListDeposits(ctx context.Context, id string) (map[string]decimal.Decimal, error)
	Liquidate(ctx context.Context, id string, bonus *decimal.Decimal) (bool, error)
}

// AlertNotifier delivers warnings. *notify.Notifier implements it.
type AlertNotifier interface {
	Notify(ctx context.Context, event string, ch domain.Channel, title, message string) error
	Broadcast(ctx context.Context, event, title, message string) error
}

// PositionFailure records why one position could not be evaluated.
type PositionFailure struct {
	PositionID string `json:"position_id"`
	Error      string `json:"error"`
}

// ScanReport summarises one liquidation scan.
type ScanReport struct {
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
	Skipped    bool              `json:"skipped"`
	Evaluated  int               `json:"evaluated"`
	Alerted    int               `json:"alerted"`
	Liquidated int               `json:"liquidated"`
	Failures   []PositionFailure `json:"failures"`
}

// Assessment is the outcome of evaluating one position.
type Assessment struct {
	Position   domain.Position
	Account    domain.Account
	Holdings   map[string]decimal.Decimal
	Snapshot   risk.Snapshot
	Alert      bool
	Liquidate  bool
	Liquidated bool
}

// LiquidationMonitor periodically values every opened position, warns
// owners whose health ratio drops below the alert threshold and flags
// positions below the liquidation threshold.
type LiquidationMonitor struct {
	positions MonitoredPositions
	gateway   domain.Gateway
	subs      domain.SubscriptionStore
	notifier  AlertNotifier
	locks     domain.LockManager
	bus       domain.SignalBus
	metrics   *observability.Metrics
	cfg       MonitorConfig
	logger    *slog.Logger

	running atomic.Bool
}

// MonitorDeps groups the monitor's collaborators. Subs, Notifier, Locks,
// Bus and Metrics are optional.
type MonitorDeps struct {
	Positions MonitoredPositions
	Gateway   domain.Gateway
	Subs      domain.SubscriptionStore
	Notifier  AlertNotifier
	Locks     domain.LockManager
	Bus       domain.SignalBus
	Metrics   *observability.Metrics
}

// NewLiquidationMonitor creates a LiquidationMonitor.
func NewLiquidationMonitor(deps MonitorDeps, cfg MonitorConfig, logger *slog.Logger) *LiquidationMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PositionWorkers <= 0 {
		cfg.PositionWorkers = 4
	}
	if cfg.TokenConcurrency <= 0 {
		cfg.TokenConcurrency = 8
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	cfg.BorrowToken = domain.NormalizeSymbol(cfg.BorrowToken)
	cfg.CollateralFactors = NormalizePrices(cfg.CollateralFactors)
	cfg.BorrowFactors = NormalizePrices(cfg.BorrowFactors)
	return &LiquidationMonitor{
		positions: deps.Positions,
		gateway:   deps.Gateway,
		subs:      deps.Subs,
		notifier:  deps.Notifier,
		locks:     deps.Locks,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "liquidation_monitor")),
	}
}

// Run scans once at start and then on every tick until ctx is cancelled.
func (m *LiquidationMonitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "liquidation monitor started",
		slog.String("interval", m.cfg.Interval.String()),
		slog.Int("position_workers", m.cfg.PositionWorkers),
	)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "liquidation monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *LiquidationMonitor) tick(ctx context.Context) {
	report, err := m.RunLiquidationScan(ctx)
	switch {
	case errors.Is(err, domain.ErrScanInProgress):
		m.logger.InfoContext(ctx, "scan skipped: previous scan still running")
	case err != nil && ctx.Err() == nil:
		m.logger.ErrorContext(ctx, "liquidation scan failed", slog.String("error", err.Error()))
	case err == nil:
		m.logger.InfoContext(ctx, "liquidation scan completed",
			slog.Int("evaluated", report.Evaluated),
			slog.Int("alerted", report.Alerted),
			slog.Int("liquidated", report.Liquidated),
			slog.Int("failed", len(report.Failures)),
			slog.String("duration", report.Duration.String()),
		)
	}
}

// RunLiquidationScan evaluates every opened, non-liquidated position once.
// When another scan holds the guard it returns at once with a skipped
// report and domain.ErrScanInProgress. Failures of single positions are
// collected in the report and never abort the scan; only failing to
// enumerate positions is returned as an error.
func (m *LiquidationMonitor) RunLiquidationScan(ctx context.Context) (ScanReport, error) {
	report := ScanReport{StartedAt: time.Now().UTC()}

	if !m.running.CompareAndSwap(false, true) {
		report.Skipped = true
		m.countScan("skipped")
		return report, domain.ErrScanInProgress
	}
	defer m.running.Store(false)

	if m.locks != nil {
		unlock, err := m.locks.Acquire(ctx, ScanLockKey, m.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			report.Skipped = true
			m.countScan("skipped")
			return report, fmt.Errorf("liquidation_monitor: %w: lock held elsewhere", domain.ErrScanInProgress)
		}
		if err != nil {
			m.countScan("error")
			return report, fmt.Errorf("liquidation_monitor: acquire scan lock: %w", err)
		}
		defer unlock()
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(m.cfg.PositionWorkers)

	var listErr error
	for pos, err := range m.positions.ListOpen(ctx) {
		if err != nil {
			listErr = err
			break
		}
		if !pos.Monitorable() {
			continue
		}
		g.Go(func() error {
			a, err := m.Evaluate(ctx, pos)

			mu.Lock()
			defer mu.Unlock()
			report.Evaluated++
			if err != nil {
				report.Failures = append(report.Failures, PositionFailure{PositionID: pos.ID, Error: err.Error()})
				return nil
			}
			if a.Alert {
				report.Alerted++
			}
			if a.Liquidated {
				report.Liquidated++
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failures, func(i, j int) bool {
		return report.Failures[i].PositionID < report.Failures[j].PositionID
	})
	report.Duration = time.Since(report.StartedAt)
	if m.metrics != nil {
		m.metrics.ScanDuration.Observe(report.Duration.Seconds())
	}

	if listErr != nil {
		m.countScan("error")
		return report, fmt.Errorf("liquidation_monitor: list open positions: %w", listErr)
	}
	m.countScan("ok")
	m.publish(ctx, domain.Event{
		Type: domain.EventScanCompleted,
		Data: map[string]any{
			"evaluated":  report.Evaluated,
			"alerted":    report.Alerted,
			"liquidated": report.Liquidated,
			"failed":     len(report.Failures),
		},
	})
	return report, nil
}

// Evaluate values one position and acts on the thresholds it breaches.
// Notification failures are logged and do not fail the evaluation.
func (m *LiquidationMonitor) Evaluate(ctx context.Context, pos domain.Position) (Assessment, error) {
	a, err := m.assess(ctx, pos)
	if err != nil {
		m.countCheck("failed")
		m.logger.WarnContext(ctx, "position check failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		return Assessment{}, err
	}
	m.countCheck("ok")
	if hr, ok := a.Snapshot.HealthRatio.Decimal(); ok && m.metrics != nil {
		m.metrics.HealthRatio.Observe(hr.InexactFloat64())
	}

	if a.Alert {
		m.alert(ctx, a)
	}
	if a.Liquidate {
		bonus := a.Snapshot.CollateralValue.Mul(m.cfg.BonusRate).Round(risk.OutputPlaces)
		ok, err := m.positions.Liquidate(ctx, pos.ID, &bonus)
		if err != nil {
			m.countCheck("liquidate_failed")
			return a, fmt.Errorf("liquidation_monitor: liquidate %s: %w", pos.ID, err)
		}
		a.Liquidated = ok
		if ok {
			m.liquidated(ctx, a, bonus)
		}
	}
	return a, nil
}

func (m *LiquidationMonitor) assess(ctx context.Context, pos domain.Position) (Assessment, error) {
	acct, err := m.gateway.ResolveAccount(ctx, pos)
	if err != nil {
		return Assessment{}, fmt.Errorf("resolve account: %w", err)
	}
	if acct.BorrowedToken == "" && m.cfg.BorrowToken != "" {
		acct.BorrowedToken = m.cfg.BorrowToken
		acct.BorrowedAmount, err = m.gateway.GetBorrowedAmount(ctx, acct.Address, acct.BorrowedToken)
		if err != nil {
			return Assessment{}, fmt.Errorf("borrowed amount: %w", err)
		}
	}
	acct.BorrowedToken = domain.NormalizeSymbol(acct.BorrowedToken)

	deposits, err := m.positions.ListDeposits(ctx, pos.ID)
	if err != nil {
		return Assessment{}, fmt.Errorf("list deposits: %w", err)
	}
	tokens := []string{pos.TokenSymbol}
	for t := range deposits {
		if t != pos.TokenSymbol {
			tokens = append(tokens, t)
		}
	}
	sort.Strings(tokens[1:])

	holdings, err := m.fanOut(ctx, tokens, func(ctx context.Context, token string) (decimal.Decimal, error) {
		return m.gateway.GetBalance(ctx, token, acct.Address)
	})
	if err != nil {
		return Assessment{}, fmt.Errorf("balances: %w", err)
	}

	var priced []string
	for _, t := range tokens {
		if !holdings[t].IsZero() {
			priced = append(priced, t)
		}
	}
	if !acct.BorrowedAmount.IsZero() && holdings[acct.BorrowedToken].IsZero() {
		priced = append(priced, acct.BorrowedToken)
	}
	prices, err := m.fanOut(ctx, priced, m.gateway.GetPrice)
	if err != nil {
		return Assessment{}, fmt.Errorf("prices: %w", err)
	}

	snap, err := risk.Compute(risk.Input{
		Holdings:          holdings,
		BorrowedToken:     acct.BorrowedToken,
		BorrowedAmount:    acct.BorrowedAmount,
		Prices:            prices,
		CollateralFactors: m.cfg.CollateralFactors,
		BorrowFactors:     m.cfg.BorrowFactors,
	})
	if err != nil {
		return Assessment{}, fmt.Errorf("compute risk: %w", err)
	}
	return Assessment{
		Position:  pos,
		Account:   acct,
		Holdings:  holdings,
		Snapshot:  snap,
		Alert:     snap.HealthRatio.LessThan(m.cfg.AlertThreshold),
		Liquidate: snap.HealthRatio.LessThan(m.cfg.LiquidationThreshold),
	}, nil
}

// fanOut calls fetch for every token with bounded concurrency. The first
// failure cancels the remaining calls.
func (m *LiquidationMonitor) fanOut(ctx context.Context, tokens []string, fetch func(context.Context, string) (decimal.Decimal, error)) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(tokens))
	if len(tokens) == 0 {
		return out, nil
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.TokenConcurrency)
	for _, token := range tokens {
		g.Go(func() error {
			v, err := fetch(gctx, token)
			if err != nil {
				return fmt.Errorf("%s: %w", token, err)
			}
			mu.Lock()
			out[token] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *LiquidationMonitor) alert(ctx context.Context, a Assessment) {
	if m.metrics != nil {
		m.metrics.Alerts.Inc()
	}
	m.logger.WarnContext(ctx, "position health below alert threshold",
		slog.String("position_id", a.Position.ID),
		slog.String("owner", a.Position.Owner),
		slog.String("health_ratio", a.Snapshot.HealthRatio.String()),
		slog.String("ltv", a.Snapshot.LTV.String()),
	)
	m.publish(ctx, domain.Event{
		Type:       domain.EventPositionAlert,
		PositionID: a.Position.ID,
		Owner:      a.Position.Owner,
		Data:       snapshotData(a.Snapshot),
	})

	if m.notifier == nil || m.subs == nil {
		return
	}
	sub, err := m.subs.Get(ctx, a.Position.Owner)
	if errors.Is(err, domain.ErrNotFound) {
		m.logger.DebugContext(ctx, "owner has no subscription", slog.String("owner", a.Position.Owner))
		return
	}
	if err != nil {
		m.logger.WarnContext(ctx, "load subscription failed",
			slog.String("owner", a.Position.Owner),
			slog.String("error", err.Error()),
		)
		return
	}
	title := fmt.Sprintf("Position %s at risk", shortID(a.Position.ID))
	msg := fmt.Sprintf("Health ratio %s (alert below %s, liquidation below %s). LTV %s. Add collateral or reduce debt.",
		a.Snapshot.HealthRatio, m.cfg.AlertThreshold, m.cfg.LiquidationThreshold, a.Snapshot.LTV)
	if err := m.notifier.Notify(ctx, domain.EventPositionAlert, sub.Channel, title, msg); err != nil {
		m.logger.WarnContext(ctx, "alert notification failed",
			slog.String("position_id", a.Position.ID),
			slog.String("channel", string(sub.Channel.Kind)),
			slog.String("error", err.Error()),
		)
	}
}

func (m *LiquidationMonitor) liquidated(ctx context.Context, a Assessment, bonus decimal.Decimal) {
	if m.metrics != nil {
		m.metrics.Liquidations.Inc()
	}
	data := snapshotData(a.Snapshot)
	data["bonus"] = bonus.String()
	m.publish(ctx, domain.Event{
		Type:       domain.EventPositionLiquidated,
		PositionID: a.Position.ID,
		Owner:      a.Position.Owner,
		Data:       data,
	})
	if m.notifier == nil {
		return
	}
	title := fmt.Sprintf("Position %s liquidated", shortID(a.Position.ID))
	msg := fmt.Sprintf("Owner %s, health ratio %s, collateral %s, debt %s, bonus %s.",
		a.Position.Owner, a.Snapshot.HealthRatio, a.Snapshot.CollateralValue, a.Snapshot.DebtValue, bonus)
	if err := m.notifier.Broadcast(ctx, domain.EventPositionLiquidated, title, msg); err != nil {
		m.logger.WarnContext(ctx, "liquidation notice failed",
			slog.String("position_id", a.Position.ID),
			slog.String("error", err.Error()),
		)
	}
	if m.subs == nil {
		return
	}
	if sub, err := m.subs.Get(ctx, a.Position.Owner); err == nil {
		if err := m.notifier.Notify(ctx, domain.EventPositionLiquidated, sub.Channel, title, msg); err != nil {
			m.logger.WarnContext(ctx, "owner liquidation notice failed",
				slog.String("position_id", a.Position.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *LiquidationMonitor) publish(ctx context.Context, ev domain.Event) {
	recorder{bus: m.bus, logger: m.logger}.publish(ctx, domain.ChannelRisk, ev)
}

func (m *LiquidationMonitor) countScan(result string) {
	if m.metrics != nil {
		m.metrics.Scans.WithLabelValues(result).Inc()
	}
}

func (m *LiquidationMonitor) countCheck(result string) {
	if m.metrics != nil {
		m.metrics.PositionChecks.WithLabelValues(result).Inc()
	}
}

func snapshotData(s risk.Snapshot) map[string]any {
	return map[string]any{
		"health_ratio":     s.HealthRatio.String(),
		"ltv":              s.LTV.String(),
		"collateral_value": s.CollateralValue.String(),
		"debt_value":       s.DebtValue.String(),
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
