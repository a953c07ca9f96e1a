// Package httputil provides the JSON response and request helpers shared by
// the tracking service's API handlers.
//
// Handlers write bodies and errors through these helpers so every /api and
// /webhooks route returns the same error envelope. Tracking pixels and
// redirects are not JSON and write their responses directly.
package httputil
