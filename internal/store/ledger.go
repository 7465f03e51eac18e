package store

import (
	"time"

	"github.com/shopspring/decimal"
)

type LedgerDay struct {
	ID                   uint            `gorm:"primaryKey" json:"-"`
	Allocation           string          `gorm:"uniqueIndex:idx_ledger_day;size:32;not null" json:"allocation"`
	Day                  string          `gorm:"uniqueIndex:idx_ledger_day;size:10;not null" json:"day"`
	AllocatedCapital     decimal.Decimal `gorm:"type:text" json:"allocated_capital"`
	OpeningInUse         decimal.Decimal `gorm:"type:text" json:"opening_in_use"`
	OpeningOpenPositions int             `json:"opening_open_positions"`
	ConsecutiveLosses    int             `json:"consecutive_losses"`
	CooldownUntil        *time.Time      `json:"cooldown_until,omitempty"`
	Halted               bool            `json:"halted"`
	HaltedAt             *time.Time      `json:"halted_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// LedgerAdjustment только добавляется, никогда не изменяется.
type LedgerAdjustment struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	Allocation string          `gorm:"index:idx_adj_day;size:32;not null" json:"allocation"`
	Day        string          `gorm:"index:idx_adj_day;size:10;not null" json:"day"`
	Kind       string          `gorm:"index;size:16;not null" json:"kind"`
	Symbol     string          `gorm:"size:32" json:"symbol"`
	LinkID     string          `gorm:"index;size:64" json:"link_id"`
	Amount     decimal.Decimal `gorm:"type:text" json:"amount"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Control struct {
	ID         uint      `gorm:"primaryKey"`
	KillSwitch bool      `json:"kill_switch"`
	Stopped    bool      `json:"stopped"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (t *Tx) LedgerDay(allocation, day string) (*LedgerDay, error) {
	var d LedgerDay
	err := t.db.Where("allocation = ? AND day = ?", allocation, day).Take(&d).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *Tx) PreviousLedgerDay(allocation, day string) (*LedgerDay, error) {
	var d LedgerDay
	err := t.db.Where("allocation = ? AND day < ?", allocation, day).Order("day desc").Take(&d).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (t *Tx) SaveLedgerDay(d *LedgerDay) error {
	return t.db.Save(d).Error
}

func (t *Tx) AppendAdjustment(a *LedgerAdjustment) error {
	a.ID = 0
	return t.db.Create(a).Error
}

func (t *Tx) Adjustments(allocation, day string) ([]LedgerAdjustment, error) {
	var adjs []LedgerAdjustment
	err := t.db.Where("allocation = ? AND day = ?", allocation, day).Order("id").Find(&adjs).Error
	return adjs, err
}

func (t *Tx) AdjustmentsByKind(allocation string, kinds ...string) ([]LedgerAdjustment, error) {
	var adjs []LedgerAdjustment
	err := t.db.Where("allocation = ? AND kind IN ?", allocation, kinds).Order("id").Find(&adjs).Error
	return adjs, err
}

func (t *Tx) Control() (Control, error) {
	var c Control
	err := t.db.Where("id = ?", 1).Take(&c).Error
	if notFound(err) {
		return Control{ID: 1}, nil
	}
	return c, err
}

func (t *Tx) SaveControl(c *Control) error {
	c.ID = 1
	return t.db.Save(c).Error
}
