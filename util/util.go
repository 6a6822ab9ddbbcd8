// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
	"time"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// Uint64SliceToCSV is IntSliceToCSV for counters
func Uint64SliceToCSV(us []uint64) string {
	s := make([]string, len(us))
	for i, v := range us {
		s[i] = strconv.FormatUint(v, 10)
	}

	return strings.Join(s, ",")
}

// MsToDuration converts integer milliseconds, as config files hold them, to a duration
func MsToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
