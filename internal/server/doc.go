// Package server hosts the push, stream and REST endpoints from a single
// HTTP server.
//
// Every route shares one middleware chain of request ids, request logging,
// metrics, security headers, CORS and rate limiting. Streams are long-lived,
// so the server never sets a write timeout.
package server
