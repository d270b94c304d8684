// Package scanning holds the result types of a gapscan session.
//
// A ScanResult is built by exactly one session. Once the session hands it
// to a report sink it is treated as read-only; sinks receive a clone so
// that no two owners share mutable state.
//
// # Sets
//
// Fast and Exhaustive are the open ports found by each strategy.
// Anomalies is Exhaustive minus Fast by (protocol, port) key, i.e. the
// open ports the curated top-N list missed. Consolidated is the union of
// both and is the exact input of deep inspection.
//
// # Markers
//
// Empty is set when neither strategy found an open port; deep inspection
// is skipped in that case. Partial is set when the session was cancelled
// and the sets only hold what had been gathered so far.
package scanning
