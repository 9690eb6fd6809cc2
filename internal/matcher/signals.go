package matcher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

// scoreEmail compares payment and contact emails. Exact match is 1.0; a
// shared domain scores the local-part similarity capped at 0.7; any
// other pair scores zero.
func scoreEmail(paymentEmail, contactEmail string) models.SignalScore {
	pe := strings.ToLower(strings.TrimSpace(paymentEmail))
	ce := strings.ToLower(strings.TrimSpace(contactEmail))
	if pe == "" || ce == "" {
		return models.SignalScore{Score: 0, Detail: "no email evidence"}
	}
	if pe == ce {
		return models.SignalScore{Score: 1.0, PaymentValue: pe, ContactValue: ce, Detail: "exact email"}
	}

	pLocal, pDomain, okP := strings.Cut(pe, "@")
	cLocal, cDomain, okC := strings.Cut(ce, "@")
	if okP && okC && pDomain == cDomain {
		return models.SignalScore{
			Score:        0.7 * similarity(pLocal, cLocal),
			PaymentValue: pe,
			ContactValue: ce,
			Detail:       "same domain",
		}
	}
	return models.SignalScore{Score: 0, PaymentValue: pe, ContactValue: ce, Detail: "different email"}
}

var postcodeTail = regexp.MustCompile(`\d[A-Z]{2}$`)
var districtPattern = regexp.MustCompile(`^([A-Z]{1,2})(\d+)`)

// scorePostcode compares UK postcodes in tiers: full match, outward
// code ("SW1A"), district ("SW1"), then area ("SW").
func scorePostcode(paymentPostcode, contactPostcode string) models.SignalScore {
	pp := normalizePostcode(paymentPostcode)
	cp := normalizePostcode(contactPostcode)
	if pp == "" || cp == "" {
		return models.SignalScore{Score: 0, Detail: "no postcode evidence"}
	}

	if pp == cp {
		return models.SignalScore{Score: 1.0, PaymentValue: pp, ContactValue: cp, Detail: "exact postcode"}
	}

	po, co := outwardCode(pp), outwardCode(cp)
	if po != "" && po == co {
		return models.SignalScore{Score: 0.8, PaymentValue: pp, ContactValue: cp, Detail: "same outward code"}
	}

	pArea, pDistrict := splitOutward(po)
	cArea, cDistrict := splitOutward(co)
	if pDistrict != "" && pDistrict == cDistrict {
		return models.SignalScore{Score: 0.5, PaymentValue: pp, ContactValue: cp, Detail: "same district"}
	}
	if pArea != "" && pArea == cArea {
		return models.SignalScore{Score: 0.3, PaymentValue: pp, ContactValue: cp, Detail: "same area"}
	}
	return models.SignalScore{Score: 0, PaymentValue: pp, ContactValue: cp, Detail: "different postcode"}
}

func normalizePostcode(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// outwardCode strips the inward part (always digit + two letters) from
// a normalized postcode.
func outwardCode(pc string) string {
	if len(pc) > 3 && postcodeTail.MatchString(pc) {
		return pc[:len(pc)-3]
	}
	return pc
}

func splitOutward(outward string) (area, district string) {
	m := districtPattern.FindStringSubmatch(outward)
	if m == nil {
		return "", ""
	}
	return m[1], m[1] + m[2]
}

type feeBand struct {
	low, high float64
}

func (b feeBand) mid() float64   { return (b.low + b.high) / 2 }
func (b feeBand) width() float64 { return b.high - b.low }

// Annual membership fee bands by membership type. Matching is by
// case-insensitive substring so CRM variants like "Full Member (UK)"
// resolve to the "full" band.
var feeBands = []struct {
	keyword string
	band    feeBand
}{
	{"joint", feeBand{90, 120}},
	{"family", feeBand{90, 120}},
	{"associate", feeBand{30, 45}},
	{"student", feeBand{15, 25}},
	{"junior", feeBand{15, 25}},
	{"senior", feeBand{25, 40}},
	{"retired", feeBand{25, 40}},
	{"overseas", feeBand{40, 60}},
	{"full", feeBand{60, 80}},
	{"standard", feeBand{60, 80}},
}

// Round figures people actually pay when the membership type is
// unknown; used by the fallback heuristic only.
var commonAmounts = []float64{15, 20, 25, 30, 40, 50, 60, 70, 75, 80, 100, 120}

func feeBandFor(membershipType string) (feeBand, bool) {
	mt := strings.ToLower(membershipType)
	if strings.TrimSpace(mt) == "" {
		return feeBand{}, false
	}
	for _, fb := range feeBands {
		if strings.Contains(mt, fb.keyword) {
			return fb.band, true
		}
	}
	return feeBand{}, false
}

// AmountWithinBand reports whether an amount falls inside the fee band
// for a membership type. Used by the orchestrator's advisory fee check;
// unknown types are treated as within band.
func AmountWithinBand(amount decimal.Decimal, membershipType string) bool {
	band, ok := feeBandFor(membershipType)
	if !ok {
		return true
	}
	amt := amount.InexactFloat64()
	return amt >= band.low && amt <= band.high
}

// scoreAmount scores how well the paid amount fits the candidate's fee
// band. Inside the band the score is at least 0.7, rising toward 1.0 at
// the band midpoint. Outside, it decays linearly across a tolerance
// window of half the band width, reaching zero beyond it. Unknown
// membership types fall back to the common-amount heuristic.
func scoreAmount(amount decimal.Decimal, membershipType string) models.SignalScore {
	amt := amount.InexactFloat64()
	paymentValue := amount.StringFixed(2)

	band, ok := feeBandFor(membershipType)
	if !ok {
		return scoreCommonAmount(amt, paymentValue)
	}
	contactValue := fmt.Sprintf("%s band %.0f-%.0f", membershipType, band.low, band.high)

	if amt >= band.low && amt <= band.high {
		halfWidth := band.width() / 2
		closeness := 1.0
		if halfWidth > 0 {
			closeness = 1 - abs(amt-band.mid())/halfWidth
		}
		return models.SignalScore{
			Score:        0.7 + 0.3*closeness,
			PaymentValue: paymentValue,
			ContactValue: contactValue,
			Detail:       "within fee band",
		}
	}

	tolerance := band.width() / 2
	var overshoot float64
	if amt < band.low {
		overshoot = band.low - amt
	} else {
		overshoot = amt - band.high
	}
	score := 0.0
	if tolerance > 0 && overshoot < tolerance {
		score = 0.7 * (1 - overshoot/tolerance)
	}
	return models.SignalScore{
		Score:        score,
		PaymentValue: paymentValue,
		ContactValue: contactValue,
		Detail:       "outside fee band",
	}
}

func scoreCommonAmount(amt float64, paymentValue string) models.SignalScore {
	best := 0.0
	for _, common := range commonAmounts {
		diff := abs(amt - common)
		var score float64
		switch {
		case diff == 0:
			score = 0.7
		case diff < 5:
			score = 0.7 - 0.4*(diff/5) // decays to 0.3 at £5 off
		}
		if score > best {
			best = score
		}
	}
	return models.SignalScore{
		Score:        best,
		PaymentValue: paymentValue,
		Detail:       "no membership type; common amount heuristic",
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
