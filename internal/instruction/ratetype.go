package instruction

import (
	"time"

	"disburse/internal/domain"
)

// DeriveRateType classifies a period by its dates: a whole calendar month is
// paid monthly, a single day daily on holidays and per banking day otherwise,
// and anything else is a one-off payment.
func DeriveRateType(from, to domain.Date) domain.RateType {
	switch {
	case from.Day() == 1 && to.AddDays(1).Equal(from.AddMonths(1)):
		return domain.RateMonthly
	case from.Equal(to):
		if IsHoliday(from) {
			return domain.RateDaily
		}
		return domain.RateBankingDay
	default:
		return domain.RateOneOff
	}
}

// IsHoliday reports whether d is a weekend or a Norwegian public holiday.
func IsHoliday(d domain.Date) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	switch {
	case d.Month() == time.January && d.Day() == 1,
		d.Month() == time.May && d.Day() == 1,
		d.Month() == time.May && d.Day() == 17,
		d.Month() == time.December && (d.Day() == 25 || d.Day() == 26):
		return true
	}
	easter := EasterSunday(d.Year())
	for _, offset := range []int{-3, -2, 0, 1, 39, 49, 50} {
		if d.Equal(easter.AddDays(offset)) {
			return true
		}
	}
	return false
}

// EasterSunday computes the Gregorian Easter date (anonymous algorithm).
func EasterSunday(year int) domain.Date {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1
	return domain.NewDate(year, time.Month(month), day)
}
