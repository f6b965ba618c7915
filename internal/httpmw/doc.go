// Package httpmw provides HTTP middleware for the public ingestion server.
//
// httpserver.NewHandler composes them outermost first: security headers,
// request ID, client IP resolution, panic recovery, OTel tracing, trace
// response headers, metrics, request logger, access log, body cap, then the
// chi router.
//
// Sender-supplied data (query strings, user agents, bodies, forwarded
// headers) is kept out of logs; the access log records only method, route,
// status, sizes and timing.
package httpmw
