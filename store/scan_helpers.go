package store

import "time"

const timeLayout = "2006-01-02 15:04:05"

func scanTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
