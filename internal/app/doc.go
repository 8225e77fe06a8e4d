// Package app is the application layer: the only place that orchestrates
// multiple domain components. It owns the session lifecycle use cases
// (create, join, refresh, liveness, cleanup), the liveness and refresh
// monitor, and the leader-elected reconciliation sweep.
package app
