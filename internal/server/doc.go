// Package server exposes memwatch diagnostics over HTTP.
//
// # Endpoints
//
//   - GET /healthz - liveness check, always {"status":"ok"}
//   - GET /debug/memwatch - JSON snapshot of the sampler state: effective
//     interval, start time, iteration count, the latest heap diff and the
//     latest stored artifact
//   - POST /debug/memwatch/capture - take a heap snapshot now and return the
//     updated state (only when a capturer is configured; rate limited per
//     client IP). On-demand captures diff against each other and leave the
//     sampler's scheduled capture baseline alone.
//
// # Authentication
//
// When a password hash is configured, POST /debug/memwatch/auth exchanges the
// form field "password" for a bearer token valid for 24 hours, and
// DELETE /debug/memwatch/auth revokes it. Both /debug/memwatch endpoints then
// require "Authorization: Bearer <token>". /healthz is always open.
package server
