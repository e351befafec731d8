// Package pool runs CPU-bound transform jobs on a bounded set of long-lived
// workers.
//
// A single dispatcher goroutine owns all mutable pool state: the FIFO queue,
// the worker registry, and the correlation table mapping job ids to waiting
// callers. Workers never touch that state; they receive a request message and
// answer with a response message carrying the same id and a tagged outcome.
// Responses may arrive in any order.
//
// Each worker owns one Executor built by the pool's ExecutorFactory. A panic
// inside Execute fails only that job and the worker keeps serving. An Execute
// error wrapping estimator.ErrWorkerFatal fails the job and retires the
// worker; the next scheduling pass spawns a replacement.
package pool
