// Package watchdog is the Liveness Watchdog: a ticker loop that lists
// assigned/building builds whose heartbeat has gone stale and fails
// them through the Lifecycle Engine, bounding how long a stuck build
// can hold a worker. Grounded closely on the reconciler's
// ticker-and-stop-channel shape, with the node-down sweep generalized
// to a build-heartbeat sweep.
package watchdog
