// Package validation содержит функции валидации входных данных.
package validation

import "unicode"

// IsValidPeriod проверяет ключ расчётного периода в формате ГГГГ-ММ.
// Формат фиксирован, чтобы ключи периодов корректно сравнивались как строки.
func IsValidPeriod(period string) bool {
	if len(period) != 7 {
		return false
	}

	for i, ch := range period {
		if i == 4 {
			if ch != '-' {
				return false
			}
			continue
		}
		if !unicode.IsDigit(ch) {
			return false
		}
	}

	month := int(period[5]-'0')*10 + int(period[6]-'0')
	if month < 1 || month > 12 {
		return false
	}

	return period[0] != '0'
}

// ToCentihours переводит часы в сотые доли часа с округлением до ближайшего.
func ToCentihours(hours float64) int64 {
	if hours >= 0 {
		return int64(hours*100 + 0.5)
	}
	return -int64(-hours*100 + 0.5)
}

// FromCentihours переводит сотые доли часа обратно в часы.
func FromCentihours(cent int64) float64 {
	return float64(cent) / 100
}
