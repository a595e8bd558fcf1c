package model

import "math"

// MaxAmount ограничивает денежные суммы, принимаемые извне. Центы такой суммы заведомо помещаются в int64.
const MaxAmount = 1e13

// AmountInRange сообщает, можно ли перевести сумму в центы без переполнения.
func AmountInRange(v float64) bool {
	return !math.IsNaN(v) && math.Abs(v) <= MaxAmount
}

// CentsFromAmount переводит денежную сумму в центы с округлением до ближайшего цента.
// Сумма должна проходить проверку AmountInRange.
func CentsFromAmount(v float64) int64 {
	return int64(math.Round(v * 100))
}

// AmountFromCents переводит центы в денежную сумму.
func AmountFromCents(c int64) float64 {
	return float64(c) / 100
}
