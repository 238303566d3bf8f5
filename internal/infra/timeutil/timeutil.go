// Пакет timeutil содержит служебные функции для работы со временем. Квотный
// бюджет модератора привязан к UTC-суткам, поэтому здесь собраны хелперы для
// вычисления границ суток и форматирования меток времени для статуса.
package timeutil

import "time"

// Clock — источник текущего времени. В боевом коде это time.Now, в тестах —
// фиксированная подмена, чтобы проверять границы суток детерминированно.
type Clock func() time.Time

// DayStartUTC возвращает полночь UTC для суток, содержащих t.
func DayStartUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// UntilNextMidnightUTC возвращает время, оставшееся от t до следующей полуночи UTC.
func UntilNextMidnightUTC(t time.Time) time.Duration {
	next := DayStartUTC(t).Add(24 * time.Hour)
	return next.Sub(t.UTC())
}

// FormatUTC форматирует момент времени для статусного сообщения.
// Нулевое время отображается прочерком: «события ещё не было».
func FormatUTC(t time.Time) string {
	if t.IsZero() {
		return "—"
	}
	return t.UTC().Format("2006-01-02 15:04 UTC")
}
