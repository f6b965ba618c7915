// Package track serves the ingestion endpoint.
//
// A request moves through MethodCheck, OriginCheck, Preflight, RateCheck,
// BodyRead, Parse, Sanitize, Emit and Respond, and any step may end it early.
// Every exit writes a JSON body with caching disabled and reports an Outcome.
// The rate check runs before the body is read, so throttled senders cannot
// make the server buffer input.
package track
