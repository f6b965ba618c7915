// Package ratelimit provides fixed-window request counting keyed by sender
// fingerprint, with a pluggable bounded store and background eviction of
// expired windows.
//
// Counts are advisory and per process. A restart forgets every window and
// several replicas each count independently, so under horizontal scale-out a
// sender can get up to limit*replicas requests per window. That undercount is
// accepted; there is no shared backing store.
//
// What this does protect against:
//   - a single sender flooding the ingestion endpoint
//   - request-body cost amplification, the check runs before the body is read
//   - unbounded memory growth from a churning population of senders
//
// What this does NOT protect against:
//   - distributed senders that each stay under the limit
//   - senders rotating user agents to mint new fingerprints
//
// A full store evicts the window nearest its reset to admit a new sender.
// Flooding the store with fresh fingerprints therefore costs other senders
// their partial counts, never their first request.
package ratelimit
