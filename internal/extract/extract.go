// Package extract classifies booking-platform emails and pulls structured
// reservation fields out of their HTML bodies. It is deliberately pure: the
// only inputs are the message itself and its header date, so identical input
// always yields identical output.
package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/net/html"
)

// Input is one message to classify and extract.
type Input struct {
	From       string
	Subject    string
	HTML       string
	HeaderDate time.Time
}

// Result holds the candidate fields plus a probe of which heuristics fired.
type Result struct {
	Kind             Kind
	ConfirmationCode string
	GuestName        string
	ListingName      string
	Checkin          time.Time
	Checkout         time.Time
	HasDates         bool
	Nights           int
	Price            float64
	CleaningFee      float64
	NetIncome        float64
	AvgNightlyPrice  float64
	Probe            []string
}

func (r *Result) fired(heuristic string) {
	r.Probe = append(r.Probe, heuristic)
}

// Extract runs classification and, for confirmation/alteration mail, the full
// field pipeline. Cancellations only need the confirmation code.
func Extract(in Input, senderDomain string) Result {
	var res Result

	doc, err := parseHTML(in.HTML)
	if err != nil {
		res.Kind = KindNotWhitelisted
		return res
	}
	bodyText := textContent(doc)

	res.Kind = Classify(in.From, in.Subject, bodyText, senderDomain)
	if res.Kind == KindNotWhitelisted {
		return res
	}

	nodes := textNodes(doc)

	if code, heuristic := findConfirmationCode(nodes); code != "" {
		res.ConfirmationCode = code
		res.fired(heuristic)
	}

	if res.Kind == KindCancellation {
		// No further field extraction on the cancellation path.
		return res
	}

	if guest := findGuestName(nodes); guest != "" {
		res.GuestName = guest
		res.fired("guest:announcement")
	}

	if listing, heuristic := findListingName(doc); listing != "" {
		res.ListingName = listing
		res.fired(heuristic)
	}

	if ci, co, ok := stayDatesFromLabels(bodyText, in.HeaderDate); ok {
		res.Checkin, res.Checkout, res.HasDates = ci, co, true
		res.fired("dates:label")
	} else if ci, co, ok := stayDatesFromHeadings(headings(doc), in.HeaderDate); ok {
		res.Checkin, res.Checkout, res.HasDates = ci, co, true
		res.fired("dates:heading_fallback")
	}

	res.Nights = findNights(bodyText)
	if res.Nights == 0 && res.HasDates {
		if n := int(res.Checkout.Sub(res.Checkin).Hours() / 24); n > 0 {
			res.Nights = n
			res.fired("nights:derived")
		}
	}

	if price, ok := findAmount(bodyText, earnRe); ok {
		res.Price = price
		res.fired("price:you_earn")
	}
	if fee, ok := findAmount(bodyText, cleaningFeeRe); ok {
		res.CleaningFee = fee
		res.fired("fee:cleaning")
	}

	res.Price = round2(res.Price)
	res.CleaningFee = round2(res.CleaningFee)
	res.NetIncome = round2(res.Price - res.CleaningFee)
	if res.Nights > 0 {
		res.AvgNightlyPrice = round2(res.NetIncome / float64(res.Nights))
	}

	return res
}

var codeTokenRe = regexp.MustCompile(`\b[A-Za-z0-9]{6,12}\b`)

// findConfirmationCode scans short text nodes for alphanumeric tokens of
// length 6-12 and scores them by composition; the top score wins. Tokens
// without digits score zero, which keeps ordinary words out.
func findConfirmationCode(nodes []string) (string, string) {
	best := ""
	bestScore := 0

	for _, node := range nodes {
		if len(node) > 60 {
			continue
		}
		for _, token := range codeTokenRe.FindAllString(node, -1) {
			score := scoreCode(token)
			if score > bestScore {
				best, bestScore = token, score
			}
		}
	}

	if bestScore < 3 {
		return "", ""
	}
	return strings.ToUpper(best), "code:textnode"
}

func scoreCode(token string) int {
	var hasDigit, hasUpper, hasLower bool
	for _, r := range token {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		}
	}

	// Codes always carry at least one digit; plain words never qualify.
	if !hasDigit {
		return 0
	}

	score := 3 // in-range length with a digit
	if hasUpper {
		score++
	}
	if hasUpper && !hasLower {
		// The platform's codes are upper+digits; favour that shape.
		score++
	}
	if len(token) >= 9 {
		score++
	}
	return score
}

var guestRe = regexp.MustCompile(`\b([A-Z][\w'.-]*(?:\s+[A-Z][\w'.-]*)*)\s+arrives\b`)

func findGuestName(nodes []string) string {
	for _, node := range nodes {
		if m := guestRe.FindStringSubmatch(node); m != nil {
			return m[1]
		}
	}
	return ""
}

var roomTypes = []string{
	"entire home/apt",
	"entire home",
	"entire place",
	"entire apartment",
	"private room",
	"shared room",
	"hotel room",
}

var boilerplateHeadings = []string{
	"how was your stay",
	"leave a review",
	"rate your experience",
	"get ready for",
	"reminder",
	"your itinerary",
	"things to do",
	"explore the area",
	"book again",
}

// findListingName prefers text anchored to a room hyperlink (label, title
// attribute or nearest preceding heading), then falls back to the first
// heading that is not known boilerplate.
func findListingName(doc *html.Node) (string, string) {
	for _, a := range roomAnchors(doc) {
		if text := stripRoomType(textContent(a)); text != "" {
			return text, "listing:room_link"
		}
		if title := stripRoomType(normalizeText(attrValue(a, "title"))); title != "" {
			return title, "listing:room_link_title"
		}
		if heading := stripRoomType(nearestHeading(a)); heading != "" {
			return heading, "listing:room_link_heading"
		}
	}

	for _, h := range headings(doc) {
		if isBoilerplateHeading(h) || bareDateRe.MatchString(h) {
			continue
		}
		if text := stripRoomType(h); text != "" {
			return text, "listing:heading_fallback"
		}
	}
	return "", ""
}

func isBoilerplateHeading(h string) bool {
	lower := strings.ToLower(h)
	for _, b := range boilerplateHeadings {
		if strings.Contains(lower, b) {
			return true
		}
	}
	return false
}

// stripRoomType removes leading/trailing room-type descriptors such as
// "Entire home/apt · Cozy Loft" -> "Cozy Loft".
func stripRoomType(text string) string {
	parts := strings.Split(text, "·")
	start, end := 0, len(parts)
	for start < end && isRoomType(parts[start]) {
		start++
	}
	for end > start && isRoomType(parts[end-1]) {
		end--
	}
	return normalizeText(strings.Join(parts[start:end], "·"))
}

func isRoomType(segment string) bool {
	s := strings.ToLower(normalizeText(segment))
	for _, rt := range roomTypes {
		if s == rt {
			return true
		}
	}
	return false
}

var (
	nightsRe      = regexp.MustCompile(`(?i)\b(\d+)\s+nights?\b`)
	earnRe        = regexp.MustCompile(`(?i)you earn\s*\$\s*([\d,]+(?:\.\d{1,2})?)`)
	cleaningFeeRe = regexp.MustCompile(`(?i)cleaning fee\s*:?\s*\$\s*([\d,]+(?:\.\d{1,2})?)`)
)

func findNights(bodyText string) int {
	m := nightsRe.FindStringSubmatch(bodyText)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func findAmount(bodyText string, re *regexp.Regexp) (float64, bool) {
	m := re.FindStringSubmatch(bodyText)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
