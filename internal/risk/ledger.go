package risk

import (
	"fmt"
	"sync"
	"time"
	"trendbot/internal/config"
	"trendbot/internal/store"

	"github.com/shopspring/decimal"
)

const lossStreakForCooldown = 2

type Limits struct {
	PositionSizePct        decimal.Decimal
	CapitalCeilingPct      decimal.Decimal
	MaxDailyLossPct        decimal.Decimal
	MaxConcurrentPositions int
	Cooldown               time.Duration
}

func LimitsFrom(p config.Params) Limits {
	return Limits{
		PositionSizePct:        decimal.NewFromFloat(p.PositionSizePct),
		CapitalCeilingPct:      decimal.NewFromFloat(p.CapitalCeilingPct),
		MaxDailyLossPct:        decimal.NewFromFloat(p.MaxDailyLossPct),
		MaxConcurrentPositions: p.MaxConcurrentPositions,
		Cooldown:               p.Cooldown(),
	}
}

// Ledger владеет учётом капитала. Все методы вызываются внутри store.Tx.
type Ledger struct {
	mu         sync.Mutex
	allocation string
	loc        *time.Location
	limits     Limits
	killed     bool
}

func NewLedger(allocation string, loc *time.Location, limits Limits) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{allocation: allocation, loc: loc, limits: limits}
}

func (l *Ledger) SetLimits(limits Limits) {
	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()
}

func (l *Ledger) SetKillSwitch(on bool) {
	l.mu.Lock()
	l.killed = on
	l.mu.Unlock()
}

func (l *Ledger) KillSwitch() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.killed
}

func (l *Ledger) DayKey(now time.Time) string {
	return now.In(l.loc).Format("2006-01-02")
}

// BeginDay открывает строку дня, перенося занятый капитал, открытые позиции,
// серию убытков и паузу с предыдущего дня. allocated <= 0 берёт прошлое значение.
func (l *Ledger) BeginDay(tx *store.Tx, now time.Time, allocated float64) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(tx, now, decimal.NewFromFloat(allocated))
}

func (l *Ledger) load(tx *store.Tx, now time.Time, allocated decimal.Decimal) (State, error) {
	return l.read(tx, now, allocated, true)
}

// peek собирает состояние дня без записи: чтение статуса не должно открывать день
// и фиксировать выделенный капитал раньше BeginDay.
func (l *Ledger) peek(tx *store.Tx, now time.Time) (State, error) {
	return l.read(tx, now, decimal.Zero, false)
}

func (l *Ledger) read(tx *store.Tx, now time.Time, allocated decimal.Decimal, persist bool) (State, error) {
	day := l.DayKey(now)

	row, err := tx.LedgerDay(l.allocation, day)
	if err != nil {
		return State{}, fmt.Errorf("Не удалось прочитать день реестра: %w", err)
	}

	var adjs []store.LedgerAdjustment
	if row != nil {
		if adjs, err = tx.Adjustments(l.allocation, day); err != nil {
			return State{}, err
		}
		// пока по дню нет движений, выделенный капитал можно уточнить
		if persist && allocated.IsPositive() && len(adjs) == 0 && !row.AllocatedCapital.Equal(allocated) {
			row.AllocatedCapital = allocated
			if err := tx.SaveLedgerDay(row); err != nil {
				return State{}, fmt.Errorf("Не удалось обновить день реестра: %w", err)
			}
		}
	} else {
		row = &store.LedgerDay{Allocation: l.allocation, Day: day, AllocatedCapital: allocated}

		prev, err := tx.PreviousLedgerDay(l.allocation, day)
		if err != nil {
			return State{}, fmt.Errorf("Не удалось прочитать прошлый день реестра: %w", err)
		}
		if prev != nil {
			prevAdjs, err := tx.Adjustments(l.allocation, prev.Day)
			if err != nil {
				return State{}, err
			}
			prevState := fold(prev, prevAdjs, l.limits.CapitalCeilingPct)
			row.OpeningInUse = prevState.CapitalInUse
			row.OpeningOpenPositions = prevState.OpenPositions
			row.ConsecutiveLosses = prevState.ConsecutiveLosses
			row.CooldownUntil = prevState.CooldownUntil
			if !allocated.IsPositive() {
				row.AllocatedCapital = prev.AllocatedCapital
			}
		}

		if persist {
			if err := tx.SaveLedgerDay(row); err != nil {
				return State{}, fmt.Errorf("Не удалось открыть день реестра: %w", err)
			}
		}
	}

	st := fold(row, adjs, l.limits.CapitalCeilingPct)

	reservations, err := tx.AdjustmentsByKind(l.allocation, KindReserve, KindRelease, KindCommit)
	if err != nil {
		return State{}, err
	}
	st.Pending = pendingReservations(reservations)
	return st, nil
}

func (l *Ledger) append(tx *store.Tx, now time.Time, kind, symbol, linkID string, amount decimal.Decimal) error {
	return tx.AppendAdjustment(&store.LedgerAdjustment{
		Allocation: l.allocation,
		Day:        l.DayKey(now),
		Kind:       kind,
		Symbol:     symbol,
		LinkID:     linkID,
		Amount:     amount,
		CreatedAt:  now,
	})
}

func (l *Ledger) State(tx *store.Tx, now time.Time) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peek(tx, now)
}

func (l *Ledger) Snapshot(tx *store.Tx, now time.Time) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.peek(tx, now)
	if err != nil {
		return Snapshot{}, err
	}
	return st.snapshot(l.killed), nil
}

// ForcedExit возвращает причину принудительного выхода или пустую строку.
func (l *Ledger) ForcedExit(st State) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.killed:
		return "kill_switch"
	case st.Halted:
		return "daily_loss_halt"
	}
	return ""
}

// Size возвращает min(свободный капитал, выделенный капитал * position_size_pct).
func (l *Ledger) Size(tx *store.Tx, now time.Time, minNotional float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(tx, now, decimal.Zero)
	if err != nil {
		return 0, err
	}

	proposed := decimal.Min(st.Free(), st.AllocatedCapital.Mul(l.limits.PositionSizePct))
	if proposed.LessThan(decimal.NewFromFloat(minNotional)) || !proposed.IsPositive() {
		return 0, fmt.Errorf("%w: %s < %v", ErrBelowMinimumOrderSize, proposed.StringFixed(2), minNotional)
	}
	return proposed.InexactFloat64(), nil
}

func (l *Ledger) Authorize(tx *store.Tx, now time.Time, symbol, linkID string, amount float64) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(tx, now, decimal.Zero)
	if err != nil {
		return State{}, err
	}

	if _, ok := st.Pending[linkID]; ok {
		return st, nil
	}

	reserve := decimal.NewFromFloat(amount)
	switch {
	case l.killed:
		return st, ErrTradingHalted
	case st.Halted:
		return st, ErrDailyLossHalt
	case st.CooldownUntil != nil && now.Before(*st.CooldownUntil):
		return st, fmt.Errorf("%w: до %s", ErrInCooldown, st.CooldownUntil.In(l.loc).Format(time.RFC3339))
	case st.OpenPositions+len(st.Pending) >= l.limits.MaxConcurrentPositions:
		return st, fmt.Errorf("%w: %d", ErrMaxConcurrentPositions, l.limits.MaxConcurrentPositions)
	case !reserve.IsPositive():
		return st, fmt.Errorf("%w: %s", ErrBelowMinimumOrderSize, reserve)
	case st.CapitalInUse.Add(reserve).GreaterThan(st.CapitalCeiling):
		return st, fmt.Errorf("%w: занято %s + %s > %s", ErrCapitalCeilingExceeded,
			st.CapitalInUse.StringFixed(2), reserve.StringFixed(2), st.CapitalCeiling.StringFixed(2))
	}

	if err := l.append(tx, now, KindReserve, symbol, linkID, reserve); err != nil {
		return st, fmt.Errorf("Не удалось зарезервировать капитал: %w", err)
	}
	st.CapitalInUse = st.CapitalInUse.Add(reserve)
	st.Pending[linkID] = reserve
	return st, nil
}

// Commit подтверждает резерв фактической стоимостью входа; разница освобождается.
func (l *Ledger) Commit(tx *store.Tx, now time.Time, symbol, linkID string, cost float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(tx, now, decimal.Zero)
	if err != nil {
		return err
	}
	reserved, ok := st.Pending[linkID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReservation, linkID)
	}

	delta := decimal.NewFromFloat(cost).Sub(reserved)
	return l.append(tx, now, KindCommit, symbol, linkID, delta)
}

func (l *Ledger) Release(tx *store.Tx, now time.Time, symbol, linkID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(tx, now, decimal.Zero)
	if err != nil {
		return err
	}
	reserved, ok := st.Pending[linkID]
	if !ok {
		return nil
	}
	return l.append(tx, now, KindRelease, symbol, linkID, reserved)
}

type Close struct {
	Symbol      string
	EntryLinkID string
	FreedCost   float64
	PnL         float64
	Final       bool
	PositionPnL float64
}

func (l *Ledger) RecordClose(tx *store.Tx, now time.Time, c Close) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load(tx, now, decimal.Zero)
	if err != nil {
		return State{}, err
	}

	freed := decimal.NewFromFloat(c.FreedCost)
	if freed.IsPositive() {
		if err := l.append(tx, now, KindFree, c.Symbol, c.EntryLinkID, freed); err != nil {
			return st, err
		}
		st.CapitalInUse = st.CapitalInUse.Sub(freed)
	}

	pnl := decimal.NewFromFloat(c.PnL)
	switch {
	case pnl.IsNegative():
		if err := l.append(tx, now, KindLoss, c.Symbol, c.EntryLinkID, pnl.Neg()); err != nil {
			return st, err
		}
		st.RealizedLoss = st.RealizedLoss.Add(pnl.Neg())
	case pnl.IsPositive():
		if err := l.append(tx, now, KindGain, c.Symbol, c.EntryLinkID, pnl); err != nil {
			return st, err
		}
		st.RealizedGain = st.RealizedGain.Add(pnl)
	}

	row, err := tx.LedgerDay(l.allocation, st.Day)
	if err != nil {
		return st, fmt.Errorf("Не удалось прочитать день реестра: %w", err)
	}
	if row == nil {
		return st, fmt.Errorf("День реестра %s не открыт.", st.Day)
	}

	if c.Final {
		total := decimal.NewFromFloat(c.PositionPnL)
		if err := l.append(tx, now, KindClose, c.Symbol, c.EntryLinkID, total); err != nil {
			return st, err
		}
		if st.OpenPositions > 0 {
			st.OpenPositions--
		}

		switch {
		case total.IsNegative():
			row.ConsecutiveLosses++
			st.Losses++
		case total.IsPositive():
			row.ConsecutiveLosses = 0
			st.Wins++
		}
		if row.ConsecutiveLosses >= lossStreakForCooldown && l.limits.Cooldown > 0 {
			until := now.Add(l.limits.Cooldown)
			row.CooldownUntil = &until
			streak := decimal.NewFromInt(int64(row.ConsecutiveLosses))
			if err := l.append(tx, now, KindCooldown, c.Symbol, c.EntryLinkID, streak); err != nil {
				return st, err
			}
		}
	}

	if !row.Halted && row.AllocatedCapital.IsPositive() &&
		st.RealizedLoss.Div(row.AllocatedCapital).GreaterThan(l.limits.MaxDailyLossPct) {
		row.Halted = true
		haltedAt := now
		row.HaltedAt = &haltedAt
		if err := l.append(tx, now, KindHalt, c.Symbol, c.EntryLinkID, st.RealizedLoss); err != nil {
			return st, err
		}
	}

	if err := tx.SaveLedgerDay(row); err != nil {
		return st, fmt.Errorf("Не удалось сохранить день реестра: %w", err)
	}

	st.ConsecutiveLosses = row.ConsecutiveLosses
	st.CooldownUntil = row.CooldownUntil
	st.Halted = row.Halted
	return st, nil
}

func (l *Ledger) PendingReservations(tx *store.Tx) (map[string]float64, error) {
	adjs, err := tx.AdjustmentsByKind(l.allocation, KindReserve, KindRelease, KindCommit)
	if err != nil {
		return nil, err
	}
	out := map[string]float64{}
	for link, amount := range pendingReservations(adjs) {
		out[link] = amount.InexactFloat64()
	}
	return out, nil
}
