package store

import (
	"fmt"
	"trendbot/internal/models"
)

func (t *Tx) OpenPosition(symbol string) (*models.Position, error) {
	var p models.Position
	err := t.db.Where("symbol = ? AND status = ?", symbol, models.PositionOpen).Take(&p).Error
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *Tx) OpenPositions() ([]models.Position, error) {
	var positions []models.Position
	err := t.db.Where("status = ?", models.PositionOpen).Order("symbol").Find(&positions).Error
	return positions, err
}

func (t *Tx) CreatePosition(p *models.Position) error {
	existing, err := t.OpenPosition(p.Symbol)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrPositionExists, p.Symbol)
	}
	p.Status = models.PositionOpen
	return t.db.Create(p).Error
}

func (t *Tx) SavePosition(p *models.Position) error {
	return t.db.Save(p).Error
}

func (t *Tx) ClosedPositions(limit int) ([]models.Position, error) {
	var positions []models.Position
	err := t.db.Where("status = ?", models.PositionClosed).Order("id desc").Limit(limit).Find(&positions).Error
	return positions, err
}
