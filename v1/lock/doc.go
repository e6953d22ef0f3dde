// Package lock provides mutual exclusion over named resources behind a
// pluggable Backend. The Coordinator turns every backend failure into a
// boolean (and a tagged Result for diagnostics) so that lock handling never
// unwinds into request paths.
//
// Three backends are provided: Local, an always-granting stub for
// single-process deployments without a coordination service; InMemory, real
// exclusion with leases inside one process; and Redis, exclusion across
// processes using SET NX leases and a compare-and-delete release. Waiters on
// the Redis backend are woken through a syncbus Bus when a holder releases
// and otherwise poll at a fixed interval.
package lock
