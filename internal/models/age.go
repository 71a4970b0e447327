package models

import "time"

// AgeOn returns the whole years between dob and today: the year difference,
// minus one when today's month/day falls before the birth month/day.
func AgeOn(dob Date, today time.Time) int {
	age := today.Year() - dob.Year()
	if today.Month() < dob.Month() || (today.Month() == dob.Month() && today.Day() < dob.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// DaysSince returns whole calendar days from d to today (negative when d is in the future).
func DaysSince(d Date, today time.Time) int {
	t := DateOf(today)
	return int(t.Sub(d.Time).Hours() / 24)
}
