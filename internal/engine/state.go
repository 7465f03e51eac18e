package engine

import (
	"context"
	"sort"
	"time"
	"trendbot/internal/config"
	"trendbot/internal/indicator"
	"trendbot/internal/models"
	"trendbot/internal/risk"
	"trendbot/internal/signal"
	"trendbot/internal/store"
)

type SymbolStatus struct {
	Symbol     string              `json:"symbol" yaml:"symbol"`
	State      signal.State        `json:"state" yaml:"state"`
	LastSignal models.Signal       `json:"last_signal" yaml:"last_signal"`
	Position   *models.Position    `json:"position,omitempty" yaml:"position,omitempty"`
	Blocked    string              `json:"blocked,omitempty" yaml:"blocked,omitempty"`
	LastPrice  float64             `json:"last_price,omitempty" yaml:"last_price,omitempty"`
	Snapshot   *indicator.Snapshot `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	LastCycle  time.Time           `json:"last_cycle,omitempty" yaml:"last_cycle,omitempty"`
}

type Status struct {
	At         time.Time      `json:"at" yaml:"at"`
	Running    bool           `json:"running" yaml:"running"`
	KillSwitch bool           `json:"kill_switch" yaml:"kill_switch"`
	Fatal      string         `json:"fatal,omitempty" yaml:"fatal,omitempty"`
	Params     config.Params  `json:"params" yaml:"params"`
	Symbols    []SymbolStatus `json:"symbols" yaml:"symbols"`
	Ledger     risk.Snapshot  `json:"ledger" yaml:"ledger"`
	Orders     []models.Order `json:"recent_orders,omitempty" yaml:"recent_orders,omitempty"`
}

func (e *Engine) Status(ctx context.Context) (Status, error) {
	now := e.now()
	var (
		positions []models.Position
		snap      risk.Snapshot
		orders    []models.Order
		control   store.Control
	)
	err := e.store.Tx(ctx, func(tx *store.Tx) error {
		var err error
		if positions, err = tx.OpenPositions(); err != nil {
			return err
		}
		if orders, err = tx.RecentOrders(10); err != nil {
			return err
		}
		if control, err = tx.Control(); err != nil {
			return err
		}
		snap, err = e.ledger.Snapshot(tx, now)
		return err
	})
	if err != nil {
		return Status{}, err
	}

	open := make(map[string]models.Position, len(positions))
	for _, p := range positions {
		open[p.Symbol] = p
	}

	e.mu.RLock()
	st := Status{
		At:         now,
		Running:    e.running && !control.Stopped && e.fatal == nil,
		KillSwitch: snap.KillSwitch || control.KillSwitch,
		Params:     e.params,
		Ledger:     snap,
		Orders:     orders,
	}
	if e.fatal != nil {
		st.Fatal = e.fatal.Error()
	}
	for symbol, ss := range e.symbols {
		s := SymbolStatus{
			Symbol:    symbol,
			Blocked:   ss.blocked,
			LastPrice: ss.lastPrice,
			Snapshot:  ss.snapshot,
			LastCycle: ss.lastCycle,
		}
		if p, ok := open[symbol]; ok {
			s.Position = &p
		}
		st.Symbols = append(st.Symbols, s)
	}
	e.mu.RUnlock()

	for i := range st.Symbols {
		st.Symbols[i].State = e.signals.State(st.Symbols[i].Symbol)
		st.Symbols[i].LastSignal = e.signals.Last(st.Symbols[i].Symbol)
	}
	sort.Slice(st.Symbols, func(i, j int) bool { return st.Symbols[i].Symbol < st.Symbols[j].Symbol })
	return st, nil
}
