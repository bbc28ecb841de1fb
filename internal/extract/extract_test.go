package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const senderDomain = "airbnb.com"

const confirmationHTML = `<html><body>
<h1>Reservation confirmed</h1>
<p>Dana Smith arrives Jan 2</p>
<p>Confirmation code</p>
<p>HMABC12345</p>
<a href="https://www.airbnb.com/rooms/5550001">Entire home/apt · Cozy Loft Downtown</a>
<p>Check-in Tue, 2 Jan</p>
<p>Check-out Fri, 5 Jan</p>
<p>3 nights</p>
<p>You earn $300.00</p>
<p>Cleaning fee $45.00</p>
</body></html>`

func confirmationInput() Input {
	return Input{
		From:       "automated@airbnb.com",
		Subject:    "Reservation confirmed - Dana Smith arrives Jan 2",
		HTML:       confirmationHTML,
		HeaderDate: time.Date(2025, 12, 31, 12, 0, 0, 0, time.UTC),
	}
}

func TestExtractConfirmation(t *testing.T) {
	res := Extract(confirmationInput(), senderDomain)

	assert.Equal(t, KindConfirmation, res.Kind)
	assert.Equal(t, "HMABC12345", res.ConfirmationCode)
	assert.Equal(t, "Dana Smith", res.GuestName)
	assert.Equal(t, "Cozy Loft Downtown", res.ListingName, "room-type descriptor stripped")

	require.True(t, res.HasDates)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), res.Checkin, "year inferred across boundary")
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), res.Checkout)

	assert.Equal(t, 3, res.Nights)
	assert.Equal(t, 300.0, res.Price)
	assert.Equal(t, 45.0, res.CleaningFee)
	assert.Equal(t, 255.0, res.NetIncome)
	assert.Equal(t, 85.0, res.AvgNightlyPrice)

	assert.Contains(t, res.Probe, "dates:label")
	assert.Contains(t, res.Probe, "listing:room_link")
	assert.Contains(t, res.Probe, "code:textnode")
}

func TestExtractIsPure(t *testing.T) {
	first := Extract(confirmationInput(), senderDomain)
	second := Extract(confirmationInput(), senderDomain)
	assert.Equal(t, first, second)
}

func TestClassifyNotWhitelisted(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		subject string
	}{
		{"wrong domain", "deals@notairbnb.example", "Reservation confirmed"},
		{"lookalike domain", "x@airbnb.com.evil.example", "Reservation confirmed"},
		{"marketing subject", "automated@airbnb.com", "Discover your next getaway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Extract(Input{
				From: tt.from, Subject: tt.subject,
				HTML:       "<html><body><p>hi</p></body></html>",
				HeaderDate: time.Now(),
			}, senderDomain)
			assert.Equal(t, KindNotWhitelisted, res.Kind)
		})
	}
}

func TestClassifySubdomainSender(t *testing.T) {
	kind := Classify("express@reply.airbnb.com", "New booking confirmed!", "", senderDomain)
	assert.Equal(t, KindConfirmation, kind)
}

func TestExtractCancellation(t *testing.T) {
	res := Extract(Input{
		From:    "automated@airbnb.com",
		Subject: "Reservation cancelled",
		HTML: `<html><body><p>The reservation was cancelled by the guest.</p>
               <p>HMZZZ98765</p></body></html>`,
		HeaderDate: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}, senderDomain)

	assert.Equal(t, KindCancellation, res.Kind)
	assert.Equal(t, "HMZZZ98765", res.ConfirmationCode)
	// Cancellation path performs no further field extraction.
	assert.Empty(t, res.ListingName)
	assert.False(t, res.HasDates)
}

func TestCancellationPhraseInBody(t *testing.T) {
	kind := Classify("automated@airbnb.com", "Update on your reservation",
		"unfortunately the guest cancelled their reservation for next week", senderDomain)
	assert.Equal(t, KindCancellation, kind)
}

func TestListingHeadingFallback(t *testing.T) {
	html := `<html><body>
<h2>How was your stay?</h2>
<h2>Sunny Garden Cottage</h2>
<p>Check-in Mon, 4 May</p><p>Check-out Thu, 7 May</p>
</body></html>`
	res := Extract(Input{
		From: "automated@airbnb.com", Subject: "Reservation confirmed",
		HTML: html, HeaderDate: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
	}, senderDomain)

	assert.Equal(t, "Sunny Garden Cottage", res.ListingName)
	assert.Contains(t, res.Probe, "listing:heading_fallback")
	assert.Equal(t, time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC), res.Checkin, "same-year case")
}

func TestDatesHeadingFallback(t *testing.T) {
	html := `<html><body>
<h3>Tue, 2 Jan</h3>
<h3>Fri, 5 Jan</h3>
</body></html>`
	res := Extract(Input{
		From: "automated@airbnb.com", Subject: "Reservation confirmed",
		HTML: html, HeaderDate: time.Date(2025, 12, 31, 12, 0, 0, 0, time.UTC),
	}, senderDomain)

	require.True(t, res.HasDates)
	assert.Contains(t, res.Probe, "dates:heading_fallback")
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), res.Checkin)
	assert.Equal(t, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), res.Checkout)
	assert.Equal(t, 3, res.Nights, "derived from dates when no label present")
}

func TestMissingCleaningFeeDefaultsToZero(t *testing.T) {
	html := `<html><body>
<p>NOCODE1X</p>
<p>Check-in Tue, 2 Jan</p><p>Check-out Fri, 5 Jan</p>
<p>You earn $150</p>
</body></html>`
	res := Extract(Input{
		From: "automated@airbnb.com", Subject: "Reservation confirmed",
		HTML: html, HeaderDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	}, senderDomain)

	assert.Equal(t, 0.0, res.CleaningFee)
	assert.Equal(t, 150.0, res.NetIncome)
}

func TestInferYearBoundaries(t *testing.T) {
	tests := []struct {
		name   string
		header time.Time
		target time.Month
		want   int
	}{
		{"dec to jan", time.Date(2025, 12, 28, 0, 0, 0, 0, time.UTC), time.January, 2026},
		{"dec to feb", time.Date(2025, 12, 28, 0, 0, 0, 0, time.UTC), time.February, 2026},
		{"nov to jan", time.Date(2026, 11, 15, 0, 0, 0, 0, time.UTC), time.January, 2027},
		{"jan to nov", time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), time.November, 2025},
		{"jan to dec", time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), time.December, 2025},
		{"feb to dec", time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC), time.December, 2025},
		{"same month", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), time.June, 2026},
		{"mid year forward", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), time.August, 2026},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferYear(tt.header, tt.target))
		})
	}
}

func TestStayAcrossYearBoundaryBackward(t *testing.T) {
	// A confirmation mail read in January about a stay that started in
	// December belongs to the previous year on the checkin side only.
	html := `<html><body>
<p>HMQRST12345</p>
<p>Check-in Tue, 30 Dec</p><p>Check-out Fri, 2 Jan</p>
<p>You earn $200</p>
</body></html>`
	res := Extract(Input{
		From: "automated@airbnb.com", Subject: "Reservation confirmed",
		HTML: html, HeaderDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	}, senderDomain)

	assert.True(t, res.HasDates)
	assert.Equal(t, time.Date(2025, 12, 30, 0, 0, 0, 0, time.UTC), res.Checkin)
	assert.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), res.Checkout)
	assert.Equal(t, 3, res.Nights)
}

func TestConfirmationCodeScoring(t *testing.T) {
	// Plain words in range never beat a real code; codes need digits.
	nodes := []string{"Tuesday arrives", "booking", "HMQRST12345", "abcdef"}
	code, heuristic := findConfirmationCode(nodes)
	assert.Equal(t, "HMQRST12345", code)
	assert.Equal(t, "code:textnode", heuristic)

	// No digit-bearing token at all: nothing is accepted.
	code, _ = findConfirmationCode([]string{"nothing", "Interesting", "here"})
	assert.Empty(t, code)
}

func TestStripRoomType(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Entire home/apt · Cozy Loft", "Cozy Loft"},
		{"Private room · Sea View Suite · Entire home", "Sea View Suite"},
		{"Cozy Loft", "Cozy Loft"},
		{"Entire home/apt", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripRoomType(tt.in), tt.in)
	}
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, `"Loft" at Dana's place`,
		normalizeText("“Loft”  at  Dana’s\n place"))
}
