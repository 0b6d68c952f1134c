// Package runs is the single entry point of the engine: "make task (kind,
// params) complete".
//
// A request is validated and expanded into a graph before anything is
// recorded, so bad parameters and cyclic kinds fail fast. Execute runs the
// graph on the caller's goroutine; Submit records a queued run and executes
// it on a background worker, since a run can block for as long as its
// slowest job chain.
//
// Run states: queued -> running -> succeeded | failed.
package runs
