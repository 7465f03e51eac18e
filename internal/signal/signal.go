package signal

import (
	"sync"
	"time"
	"trendbot/internal/indicator"
	"trendbot/internal/models"
)

type State string

const (
	StateFlat State = "FLAT"
	StateLong State = "LONG"
)

const (
	ReasonCrossUp      = "ema_cross_up"
	ReasonCrossDown    = "ema_cross_down"
	ReasonTrailingStop = "trailing_stop"
	ReasonForcedPrefix = "forced:"
	ReasonSeenBasis    = "basis_seen"
)

type Input struct {
	Snapshot        indicator.Snapshot
	Position        *models.Position
	RSIMin          float64
	TrailingStopPct float64
	ForcedExit      string
}

type symbolState struct {
	state     State
	lastBasis time.Time
	last      models.Signal
}

type Generator struct {
	mu     sync.Mutex
	states map[string]*symbolState
}

func NewGenerator() *Generator {
	return &Generator{states: map[string]*symbolState{}}
}

func (g *Generator) get(symbol string) *symbolState {
	st, ok := g.states[symbol]
	if !ok {
		st = &symbolState{state: StateFlat}
		g.states[symbol] = st
	}
	return st
}

func (g *Generator) Restore(symbol string, hasPosition bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.get(symbol)
	if hasPosition {
		st.state = StateLong
	} else {
		st.state = StateFlat
	}
}

func (g *Generator) State(symbol string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.get(symbol).state
}

func (g *Generator) Last(symbol string) models.Signal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.get(symbol).last
}

func (g *Generator) Evaluate(in Input) models.Signal {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := in.Snapshot
	st := g.get(snap.Symbol)
	seen := !st.lastBasis.IsZero() && !snap.Basis.After(st.lastBasis)

	sig := models.Signal{Symbol: snap.Symbol, Kind: models.SignalHold, Basis: snap.Basis}

	switch st.state {
	case StateLong:
		switch {
		case in.ForcedExit != "":
			sig.Kind, sig.Reason = models.SignalExitLong, ReasonForcedPrefix+in.ForcedExit
		case seen:
			sig.Reason = ReasonSeenBasis
		case CrossedDown(snap):
			sig.Kind, sig.Reason = models.SignalExitLong, ReasonCrossDown
		case in.Position != nil && TrailingStopHit(in.Position.HighestPrice, snap, in.TrailingStopPct):
			sig.Kind, sig.Reason = models.SignalExitLong, ReasonTrailingStop
		}
		if sig.Kind == models.SignalExitLong {
			st.state = StateFlat
		}
	default:
		switch {
		case seen:
			sig.Reason = ReasonSeenBasis
		case in.ForcedExit != "":
			sig.Reason = ReasonForcedPrefix + in.ForcedExit
		case CrossedUp(snap) && snap.RSI > in.RSIMin:
			sig.Kind, sig.Reason = models.SignalEnterLong, ReasonCrossUp
			st.state = StateLong
		}
	}

	if snap.Basis.After(st.lastBasis) {
		st.lastBasis = snap.Basis
	}
	st.last = sig
	return sig
}

func CrossedUp(s indicator.Snapshot) bool {
	return s.PrevEMAFast <= s.PrevEMASlow && s.EMAFast > s.EMASlow
}

func CrossedDown(s indicator.Snapshot) bool {
	return s.PrevEMAFast >= s.PrevEMASlow && s.EMAFast < s.EMASlow
}

func TrailingStopPrice(highest, pct float64) float64 {
	return highest * (1 - pct)
}

func TrailingStopHit(highest float64, s indicator.Snapshot, pct float64) bool {
	if s.High > highest {
		highest = s.High
	}
	if highest <= 0 || pct <= 0 {
		return false
	}
	return s.Close <= TrailingStopPrice(highest, pct)
}
