// Package log provides structured logging for buildctl using zerolog.
//
// A single global Logger is configured once at startup via Init; every
// component derives a child logger from it with WithComponent, WithBuild,
// or WithWorker so that log lines carry consistent correlation fields
// without passing a logger through every call site by hand.
package log
