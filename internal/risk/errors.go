package risk

import "errors"

var (
	ErrCapitalCeilingExceeded = errors.New("Превышен потолок капитала.")
	ErrMaxConcurrentPositions = errors.New("Достигнут лимит одновременных позиций.")
	ErrInCooldown             = errors.New("Пауза после серии убытков.")
	ErrDailyLossHalt          = errors.New("Достигнут дневной лимит убытка.")
	ErrTradingHalted          = errors.New("Торговля остановлена аварийным выключателем.")
	ErrBelowMinimumOrderSize  = errors.New("Размер заявки ниже минимального.")
	ErrUnknownReservation     = errors.New("Резерв не найден.")
)

// IsEntryBlocked сообщает, что отказ означает HOLD, а не сбой.
func IsEntryBlocked(err error) bool {
	for _, target := range []error{
		ErrCapitalCeilingExceeded,
		ErrMaxConcurrentPositions,
		ErrInCooldown,
		ErrDailyLossHalt,
		ErrTradingHalted,
		ErrBelowMinimumOrderSize,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
