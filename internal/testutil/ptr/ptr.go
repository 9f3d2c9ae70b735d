// Package ptr has pointer and date helpers for building filters, ids and
// timestamps in tests.
package ptr

import "time"

// To returns a pointer to a copy of v.
func To[T any](v T) *T { return &v }

// Int64 returns a pointer to a label or message id.
func Int64(id int64) *int64 { return To(id) }

// Time returns a pointer to t, as taken by Filter.After and Filter.Before.
func Time(t time.Time) *time.Time { return To(t) }

// Date returns midnight UTC on the given day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
