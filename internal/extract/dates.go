package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var monthNumbers = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// stayDateRe matches "Tue, 2 Jan", "Tuesday 2 January" and the separator-less
// "Tue 2Jan" the platform occasionally emits.
var stayDateRe = regexp.MustCompile(`(?i)\b(mon|tue|wed|thu|fri|sat|sun)[a-z]*\s*,?\s*(\d{1,2})\s*(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*`)

// parseStayDate extracts the weekday+day+month token starting at or after
// text's beginning and resolves its year against the header date.
func parseStayDate(text string, header time.Time) (time.Time, bool) {
	m := stayDateRe.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}

	day, err := strconv.Atoi(m[2])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, false
	}
	month, ok := monthNumbers[strings.ToLower(m[3])]
	if !ok {
		return time.Time{}, false
	}

	year := inferYear(header, month)
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC), true
}

// inferYear resolves the missing year of a stay date. Source emails omit the
// year; around a year boundary the header month decides which side the target
// month falls on:
//
//	header Dec + target Jan/Feb  -> next year
//	header Nov + target Jan      -> next year
//	header Jan + target Nov/Dec  -> previous year
//	header Feb + target Dec      -> previous year
//	otherwise                    -> header's year
func inferYear(header time.Time, target time.Month) int {
	h := header.Month()
	year := header.Year()

	switch {
	case h == time.December && (target == time.January || target == time.February):
		return year + 1
	case h == time.November && target == time.January:
		return year + 1
	case h == time.January && (target == time.November || target == time.December):
		return year - 1
	case h == time.February && target == time.December:
		return year - 1
	}
	return year
}

var (
	checkinLabelRe  = regexp.MustCompile(`(?i)check[\s-]?in:?\s*(.{0,40})`)
	checkoutLabelRe = regexp.MustCompile(`(?i)check[\s-]?out:?\s*(.{0,40})`)
)

// stayDatesFromLabels locates check-in/check-out labels in the flattened body
// text and parses the date token that follows each.
func stayDatesFromLabels(bodyText string, header time.Time) (checkin, checkout time.Time, ok bool) {
	in := checkinLabelRe.FindStringSubmatch(bodyText)
	out := checkoutLabelRe.FindStringSubmatch(bodyText)
	if in == nil || out == nil {
		return time.Time{}, time.Time{}, false
	}

	checkin, inOK := parseStayDate(in[1], header)
	checkout, outOK := parseStayDate(out[1], header)
	if !inOK || !outOK {
		return time.Time{}, time.Time{}, false
	}
	return checkin, checkout, true
}

// bareDateRe is the heading fallback: "Tue, 2 Jan" standing alone, no label.
var bareDateRe = regexp.MustCompile(`(?i)^\s*(mon|tue|wed|thu|fri|sat|sun)[a-z]*\s*,?\s*\d{1,2}\s*(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\s*$`)

// stayDatesFromHeadings scans heading texts for bare weekday-day-month
// patterns; the first two matches become checkin and checkout.
func stayDatesFromHeadings(headings []string, header time.Time) (checkin, checkout time.Time, ok bool) {
	var found []time.Time
	for _, h := range headings {
		if !bareDateRe.MatchString(h) {
			continue
		}
		if d, dok := parseStayDate(h, header); dok {
			found = append(found, d)
			if len(found) == 2 {
				return found[0], found[1], true
			}
		}
	}
	return time.Time{}, time.Time{}, false
}
