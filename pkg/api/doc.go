// Package api is the thin HTTP surface over the wire contract: chi
// routes for submit/status/logs/download/list/cancel/retry, worker
// register/poll/upload/download, VM certs-secure/authenticate/
// heartbeat/telemetry/stream-logs, and the public stats/health probes.
// It never mutates Build.status directly — every write goes through
// pkg/lifecycle or pkg/dispatcher, and this package only translates
// HTTP in and out of their calls.
package api
