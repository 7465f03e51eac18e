package ws

import (
	"fmt"

	"github.com/google/uuid"
)

func subscribeMessage(codes []string) []map[string]any {
	return []map[string]any{
		{"ticket": uuid.NewString()},
		{"type": "ticker", "codes": codes, "is_only_realtime": true},
		{"format": "DEFAULT"},
	}
}

func (w *Client) subscribe() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.conn.WriteJSON(subscribeMessage(w.codes)); err != nil {
		return fmt.Errorf("Не удалось подписаться на WS: %w", err)
	}
	return nil
}
