package matcher

import (
	"regexp"
	"strings"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/insightdelivered/membership-reconciler/internal/models"
)

// Label-anchored description patterns, tried in order before the
// trailing-token fallback. Bank narratives commonly look like
// "MEMBERSHIP - JOHN SMITH" or "RENEWAL J SMITH REF 1234".
var nameLabelPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bMEMBERSHIP\s*[-:–]\s*([A-Za-z][A-Za-z'\- ]+)`),
	regexp.MustCompile(`(?i)\bRENEWAL\s+([A-Za-z][A-Za-z'\- ]+)`),
	regexp.MustCompile(`(?i)\bSUBS?\s*[-:]\s*([A-Za-z][A-Za-z'\- ]+)`),
}

var alphaToken = regexp.MustCompile(`^[A-Za-z'\-]+$`)

// scoreName compares the payment's name evidence against a contact.
//
// An explicit customer-name field wins over free-text extraction from
// the description. The surname acts as a gate: without a surname match
// the signal is capped at 0.1 no matter how close the forenames are.
func scoreName(payment models.ParsedPayment, contact *models.Contact) models.SignalScore {
	name := payment.CustomerName
	detail := "customer name field"
	if name == "" {
		name = extractNameFromDescription(payment.Description)
		detail = "extracted from description"
	}
	if name == "" {
		return models.SignalScore{Score: 0, Detail: "no name evidence"}
	}

	forename, surname := splitName(name)
	contactValue := strings.TrimSpace(contact.FirstName + " " + contact.LastName)

	if !surnameMatches(surname, contact.LastName) {
		return models.SignalScore{
			Score:        0.1,
			PaymentValue: name,
			ContactValue: contactValue,
			Detail:       detail + "; surname mismatch",
		}
	}

	score := 0.3
	reason := "surname only"
	if forename != "" && contact.FirstName != "" {
		a := strings.ToUpper(forename)
		b := strings.ToUpper(contact.FirstName)
		sim := similarity(a, b)
		switch {
		case a == b:
			score, reason = 1.0, "exact name"
		case isAbbreviation(a, b):
			score, reason = 0.9, "forename abbreviation"
		case sim > 0.7:
			score, reason = 0.8*sim, "forename similarity"
		}
	}

	return models.SignalScore{
		Score:        score,
		PaymentValue: name,
		ContactValue: contactValue,
		Detail:       detail + "; " + reason,
	}
}

// PaymentSurname returns the surname evidence a payment carries: the
// customer-name field when present, otherwise a name extracted from the
// free-text description. Empty when there is no usable name. Callers
// use it to narrow the candidate set through the directory's surname
// index before full scoring.
func PaymentSurname(payment models.ParsedPayment) string {
	name := payment.CustomerName
	if name == "" {
		name = extractNameFromDescription(payment.Description)
	}
	_, surname := splitName(name)
	return surname
}

// extractNameFromDescription pulls a payer name out of free text. The
// label patterns run first; failing those, a pair of long alphabetic
// tokens near the end of the line is taken as forename + surname.
func extractNameFromDescription(desc string) string {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return ""
	}

	for _, pat := range nameLabelPatterns {
		if m := pat.FindStringSubmatch(desc); m != nil {
			return strings.TrimSpace(m[1])
		}
	}

	// Fallback: two alphabetic tokens at the line end, the second long
	// enough to be a surname (references and codes are alphanumeric and
	// fail the token test).
	tokens := strings.Fields(desc)
	if len(tokens) < 2 {
		return ""
	}
	last := tokens[len(tokens)-1]
	prev := tokens[len(tokens)-2]
	if alphaToken.MatchString(last) && len(last) >= 3 &&
		alphaToken.MatchString(prev) && len(prev) >= 1 {
		return prev + " " + last
	}
	return ""
}

// splitName separates "J SMITH" or "John Smith" into forename and
// surname. A single token is treated as a surname.
func splitName(name string) (forename, surname string) {
	tokens := strings.Fields(name)
	switch len(tokens) {
	case 0:
		return "", ""
	case 1:
		return "", tokens[0]
	default:
		return tokens[0], tokens[len(tokens)-1]
	}
}

// surnameMatches requires an exact normalized match, allowing
// hyphenated-surname variants on either side ("SMITH-JONES" matches
// "SMITH" and vice versa).
func surnameMatches(a, b string) bool {
	na, nb := normalizeSurname(a), normalizeSurname(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	for _, part := range strings.Split(na, "-") {
		if part == nb {
			return true
		}
	}
	for _, part := range strings.Split(nb, "-") {
		if part == na {
			return true
		}
	}
	return false
}

func normalizeSurname(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		if (r >= 'A' && r <= 'Z') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isAbbreviation reports whether one forename is a plausible shortening
// of the other: a prefix, and either initial-length (≤3 runes) or at
// least half of the full name.
func isAbbreviation(a, b string) bool {
	short, long := a, b
	if len(short) > len(long) {
		short, long = long, short
	}
	if short == "" || short == long || !strings.HasPrefix(long, short) {
		return false
	}
	return len(short) <= 3 || float64(len(short))/float64(len(long)) >= 0.5
}

// similarity is a normalized Levenshtein ratio in [0,1].
func similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	la, lb := []rune(a), []rune(b)
	longest := len(la)
	if len(lb) > longest {
		longest = len(lb)
	}
	if longest == 0 {
		return 1
	}
	distance := levenshtein.DistanceForStrings(la, lb, levenshtein.DefaultOptions)
	return 1 - float64(distance)/float64(longest)
}
