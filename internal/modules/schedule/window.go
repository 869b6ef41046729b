// Package schedule computes delivery windows: the next date an order can be
// delivered and the deadline for editing an order bound for that date.
package schedule

import (
	"time"

	"morning-star-delivery/internal/models"
)

// DefaultCutoffHour is the local hour after which new or edited orders roll
// to the following day's planning run.
const DefaultCutoffHour = 18

// Calculator derives delivery dates from the configured delivery weekdays
// and order cutoff hour. It is pure; callers pass in the current time.
type Calculator struct {
	cutoffHour   int
	deliveryDays map[time.Weekday]bool
}

// NewCalculator builds a Calculator. An empty day list defaults to Monday
// through Saturday.
func NewCalculator(cutoffHour int, days []time.Weekday) *Calculator {
	if cutoffHour <= 0 || cutoffHour > 23 {
		cutoffHour = DefaultCutoffHour
	}
	if len(days) == 0 {
		days = []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday,
			time.Thursday, time.Friday, time.Saturday,
		}
	}
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	return &Calculator{cutoffHour: cutoffHour, deliveryDays: set}
}

// NextDeliveryDate returns the earliest delivery date available to an order
// placed at now. Orders placed at or after the cutoff hour are treated as
// placed the next day; the result always lands on a configured delivery
// weekday, at midnight in now's location.
func (c *Calculator) NextDeliveryDate(now time.Time) time.Time {
	base := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if now.Hour() >= c.cutoffHour {
		base = base.AddDate(0, 0, 1)
	}
	candidate := base.AddDate(0, 0, 1)
	for i := 0; i < 7; i++ {
		if c.deliveryDays[candidate.Weekday()] {
			break
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// EditCutoff returns the last moment an order bound for deliveryDate may
// still be edited: the cutoff hour on the preceding day.
func (c *Calculator) EditCutoff(deliveryDate time.Time) time.Time {
	prev := deliveryDate.AddDate(0, 0, -1)
	return time.Date(prev.Year(), prev.Month(), prev.Day(), c.cutoffHour, 0, 0, 0, deliveryDate.Location())
}

// Window bundles the next delivery date and its edit cutoff for the API.
func (c *Calculator) Window(now time.Time) models.DeliveryWindow {
	date := c.NextDeliveryDate(now)
	return models.DeliveryWindow{
		DeliveryDate: date,
		EditCutoff:   c.EditCutoff(date),
	}
}
