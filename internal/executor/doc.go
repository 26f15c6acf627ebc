// Package executor runs jobs against sandboxed handlers.
//
// A single dispatch goroutine matches each job to an idle instance of its
// code id or, failing that, lets the job fetch a template and instantiate a
// fresh one. Jobs run concurrently under a per-job CPU budget. Every job
// receives exactly one reply: the response the guest announced, or a fixed
// internal-error response. Instances that served a job cleanly are handed
// back to the dispatch goroutine over a channel and pooled; any failure
// discards the instance.
package executor
