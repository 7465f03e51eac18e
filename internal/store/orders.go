package store

import (
	"fmt"
	"trendbot/internal/models"
)

func (t *Tx) SaveOrder(o *models.Order) error {
	if o.ID == 0 {
		var existing models.Order
		err := t.db.Where("link_id = ?", o.LinkID).Take(&existing).Error
		switch {
		case err == nil:
			o.ID = existing.ID
			o.CreatedAt = existing.CreatedAt
		case !notFound(err):
			return fmt.Errorf("Не удалось прочитать заявку %s: %w", o.LinkID, err)
		}
	}
	if err := t.db.Save(o).Error; err != nil {
		return fmt.Errorf("Не удалось сохранить заявку %s: %w", o.LinkID, err)
	}
	return nil
}

func (t *Tx) OrderByLinkID(linkID string) (models.Order, error) {
	var o models.Order
	err := t.db.Where("link_id = ?", linkID).Take(&o).Error
	if notFound(err) {
		return o, ErrNotFound
	}
	return o, err
}

// UnappliedOrders возвращает заявки, результат которых ещё не отражён в позиции и реестре.
func (t *Tx) UnappliedOrders(symbol string) ([]models.Order, error) {
	q := t.db.Where("applied = ?", false)
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	var orders []models.Order
	err := q.Order("id").Find(&orders).Error
	return orders, err
}

func (t *Tx) RecentOrders(limit int) ([]models.Order, error) {
	var orders []models.Order
	err := t.db.Order("id desc").Limit(limit).Find(&orders).Error
	return orders, err
}
