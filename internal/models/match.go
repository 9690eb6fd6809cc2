package models

// SignalScore is one signal's contribution to a match, with the values
// that were compared so operators can see why a candidate was ranked.
type SignalScore struct {
	Score        float64 `json:"score"`
	PaymentValue string  `json:"paymentValue,omitempty"`
	ContactValue string  `json:"contactValue,omitempty"`
	Detail       string  `json:"detail,omitempty"`
}

// MatchReasoning is the per-signal breakdown behind a confidence score.
type MatchReasoning struct {
	Name     SignalScore `json:"name"`
	Email    SignalScore `json:"email"`
	Postcode SignalScore `json:"postcode"`
	Amount   SignalScore `json:"amount"`
}

// MatchSuggestion is one ranked candidate for a payment.
type MatchSuggestion struct {
	Contact    *Contact       `json:"contact"`
	Confidence float64        `json:"confidence"`
	Reasoning  MatchReasoning `json:"reasoning"`
}

// MatchResult is the full outcome of matching one payment.
type MatchResult struct {
	Suggestions    []MatchSuggestion `json:"suggestions"`
	TotalEvaluated int               `json:"totalEvaluated"`
	ElapsedMs      int64             `json:"elapsedMs"`
}
