package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

// DateFormat is the file-wide classification of ambiguous date strings.
type DateFormat string

const (
	DayFirst   DateFormat = "day-first"
	MonthFirst DateFormat = "month-first"
)

var dateGroupsPattern = regexp.MustCompile(`^\s*(\d{1,4})[/\-.](\d{1,2})[/\-.](\d{1,4})`)

// detectDateFormat classifies a whole batch of date strings at once.
//
// Per-row guessing is unreliable and would misparse a file
// inconsistently, so the vote happens once per file: a date whose first
// numeric group exceeds 12 is unambiguously day-first; one whose second
// group exceeds 12 is unambiguously month-first. The majority of
// unambiguous evidence wins. With no evidence at all the parser
// defaults to day-first and flags low confidence; a contested vote
// (unambiguous evidence on both sides) also flags low confidence, since
// the minority rows will be parsed under the majority's format.
func detectDateFormat(dates []string) (DateFormat, models.DateConfidence) {
	var dayFirst, monthFirst int
	for _, d := range dates {
		m := dateGroupsPattern.FindStringSubmatch(d)
		if m == nil || len(m[1]) == 4 {
			// ISO year-first dates carry no day/month ambiguity.
			continue
		}
		first, _ := strconv.Atoi(m[1])
		second, _ := strconv.Atoi(m[2])
		if first > 12 {
			dayFirst++
		} else if second > 12 {
			monthFirst++
		}
	}

	switch {
	case dayFirst == 0 && monthFirst == 0:
		return DayFirst, models.DateConfidenceLow
	case dayFirst >= monthFirst && monthFirst > 0:
		return DayFirst, models.DateConfidenceLow
	case monthFirst > dayFirst && dayFirst > 0:
		return MonthFirst, models.DateConfidenceLow
	case dayFirst > 0:
		return DayFirst, models.DateConfidenceHigh
	default:
		return MonthFirst, models.DateConfidenceHigh
	}
}

// parseDate parses one date string under the file-wide classification.
// Four-digit leading groups are treated as ISO year-first regardless of
// the classification. Time-of-day suffixes are ignored.
func parseDate(s string, format DateFormat) (time.Time, error) {
	m := dateGroupsPattern.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}

	a, _ := strconv.Atoi(m[1])
	b, _ := strconv.Atoi(m[2])
	c, _ := strconv.Atoi(m[3])

	var year, month, day int
	switch {
	case len(m[1]) == 4:
		year, month, day = a, b, c
	case format == MonthFirst:
		year, month, day = c, a, b
	default:
		year, month, day = c, b, a
	}

	if year < 100 {
		year += 2000
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("date %q out of range as %s", s, format)
	}

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes overflow (e.g. 31 Feb becomes 2/3 Mar); reject it.
	if t.Day() != day || t.Month() != time.Month(month) {
		return time.Time{}, fmt.Errorf("date %q does not exist", s)
	}
	return t, nil
}
