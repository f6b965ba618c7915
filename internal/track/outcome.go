package track

// Outcome labels how a request ended. Values are used as metric labels.
type Outcome string

const (
	OutcomeAccepted         Outcome = "accepted"
	OutcomePreflight        Outcome = "preflight"
	OutcomeMethodNotAllowed Outcome = "method_not_allowed"
	OutcomeOriginDenied     Outcome = "origin_denied"
	OutcomeRateLimited      Outcome = "rate_limited"
	OutcomeBodyTooLarge     Outcome = "body_too_large"
	OutcomeInvalidBody      Outcome = "invalid_body"
	OutcomeInvalidJSON      Outcome = "invalid_json"
	OutcomeEmitFailed       Outcome = "emit_failed"
	OutcomePanic            Outcome = "panic"
)

// Outcomes lists every label, for pre-registering metric series.
var Outcomes = []Outcome{
	OutcomeAccepted,
	OutcomePreflight,
	OutcomeMethodNotAllowed,
	OutcomeOriginDenied,
	OutcomeRateLimited,
	OutcomeBodyTooLarge,
	OutcomeInvalidBody,
	OutcomeInvalidJSON,
	OutcomeEmitFailed,
	OutcomePanic,
}
