package risk

import (
	"time"
	"trendbot/internal/store"

	"github.com/shopspring/decimal"
)

const (
	KindReserve  = "RESERVE"
	KindRelease  = "RELEASE"
	KindCommit   = "COMMIT"
	KindFree     = "FREE"
	KindClose    = "CLOSE"
	KindLoss     = "LOSS"
	KindGain     = "GAIN"
	KindHalt     = "HALT"
	// сумма: длина серии убытков, после которой началась пауза
	KindCooldown = "COOLDOWN"
)

type State struct {
	Day               string
	AllocatedCapital  decimal.Decimal
	CapitalCeiling    decimal.Decimal
	CapitalInUse      decimal.Decimal
	RealizedLoss      decimal.Decimal
	RealizedGain      decimal.Decimal
	OpenPositions     int
	Pending           map[string]decimal.Decimal
	ConsecutiveLosses int
	CooldownUntil     *time.Time
	Halted            bool
	Wins              int
	Losses            int
}

func (s State) Free() decimal.Decimal {
	free := s.CapitalCeiling.Sub(s.CapitalInUse)
	if free.IsNegative() {
		return decimal.Zero
	}
	return free
}

// pendingReservations сворачивает резервы по ключам без COMMIT.
func pendingReservations(adjs []store.LedgerAdjustment) map[string]decimal.Decimal {
	reserved := map[string]decimal.Decimal{}
	committed := map[string]bool{}
	for _, a := range adjs {
		switch a.Kind {
		case KindReserve:
			reserved[a.LinkID] = reserved[a.LinkID].Add(a.Amount)
		case KindRelease:
			reserved[a.LinkID] = reserved[a.LinkID].Sub(a.Amount)
		case KindCommit:
			committed[a.LinkID] = true
		}
	}

	pending := map[string]decimal.Decimal{}
	for link, amount := range reserved {
		if !committed[link] && amount.IsPositive() {
			pending[link] = amount
		}
	}
	return pending
}

func fold(day *store.LedgerDay, adjs []store.LedgerAdjustment, ceilingPct decimal.Decimal) State {
	st := State{
		Day:               day.Day,
		AllocatedCapital:  day.AllocatedCapital,
		CapitalCeiling:    day.AllocatedCapital.Mul(ceilingPct),
		CapitalInUse:      day.OpeningInUse,
		OpenPositions:     day.OpeningOpenPositions,
		ConsecutiveLosses: day.ConsecutiveLosses,
		CooldownUntil:     day.CooldownUntil,
		Halted:            day.Halted,
	}

	for _, a := range adjs {
		switch a.Kind {
		case KindReserve, KindCommit:
			st.CapitalInUse = st.CapitalInUse.Add(a.Amount)
		case KindRelease, KindFree:
			st.CapitalInUse = st.CapitalInUse.Sub(a.Amount)
		case KindClose:
			st.OpenPositions--
			switch {
			case a.Amount.IsNegative():
				st.Losses++
			case a.Amount.IsPositive():
				st.Wins++
			}
		case KindLoss:
			st.RealizedLoss = st.RealizedLoss.Add(a.Amount)
		case KindGain:
			st.RealizedGain = st.RealizedGain.Add(a.Amount)
		}
		if a.Kind == KindCommit {
			st.OpenPositions++
		}
	}
	if st.OpenPositions < 0 {
		st.OpenPositions = 0
	}
	return st
}

type Snapshot struct {
	Day               string     `json:"day" yaml:"day"`
	AllocatedCapital  float64    `json:"allocated_capital" yaml:"allocated_capital"`
	CapitalCeiling    float64    `json:"capital_ceiling" yaml:"capital_ceiling"`
	CapitalInUse      float64    `json:"capital_in_use" yaml:"capital_in_use"`
	FreeCapital       float64    `json:"free_capital" yaml:"free_capital"`
	PendingReserved   float64    `json:"pending_reserved" yaml:"pending_reserved"`
	RealizedLoss      float64    `json:"realized_loss" yaml:"realized_loss"`
	RealizedGain      float64    `json:"realized_gain" yaml:"realized_gain"`
	OpenPositions     int        `json:"open_positions" yaml:"open_positions"`
	PendingEntries    int        `json:"pending_entries" yaml:"pending_entries"`
	ConsecutiveLosses int        `json:"consecutive_losses" yaml:"consecutive_losses"`
	CooldownUntil     *time.Time `json:"cooldown_until,omitempty" yaml:"cooldown_until,omitempty"`
	Halted            bool       `json:"halted" yaml:"halted"`
	KillSwitch        bool       `json:"kill_switch" yaml:"kill_switch"`
	Wins              int        `json:"wins" yaml:"wins"`
	Losses            int        `json:"losses" yaml:"losses"`
}

func (s State) snapshot(killed bool) Snapshot {
	pending := decimal.Zero
	for _, amount := range s.Pending {
		pending = pending.Add(amount)
	}
	return Snapshot{
		Day:               s.Day,
		AllocatedCapital:  s.AllocatedCapital.InexactFloat64(),
		CapitalCeiling:    s.CapitalCeiling.InexactFloat64(),
		CapitalInUse:      s.CapitalInUse.InexactFloat64(),
		FreeCapital:       s.Free().InexactFloat64(),
		PendingReserved:   pending.InexactFloat64(),
		RealizedLoss:      s.RealizedLoss.InexactFloat64(),
		RealizedGain:      s.RealizedGain.InexactFloat64(),
		OpenPositions:     s.OpenPositions,
		PendingEntries:    len(s.Pending),
		ConsecutiveLosses: s.ConsecutiveLosses,
		CooldownUntil:     s.CooldownUntil,
		Halted:            s.Halted,
		KillSwitch:        killed,
		Wins:              s.Wins,
		Losses:            s.Losses,
	}
}
