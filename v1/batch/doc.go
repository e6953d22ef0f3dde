// Package batch buffers items from concurrent producers and hands them to a
// Sink in batches, when the buffer reaches its capacity, when the flush
// interval elapses, or on shutdown.
//
// Producers only ever hold the buffer's mutex long enough to append or to
// swap the pending slice for a fresh one; delivery runs on an executor, by
// default a small pool wrapped with traceid propagation so that a delivery
// logs under the causal id of the submission that triggered it. Failed
// deliveries are logged and dropped; there is no retry.
package batch
