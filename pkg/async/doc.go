// Package async runs background work with panic recovery and bounded
// concurrency.
//
//   - Go starts a single task with a timeout and logs its failure.
//   - Pool runs tasks on a fixed set of workers fed from a bounded queue.
//     Submit waits for a slot, TrySubmit refuses when the queue is full.
//   - Batch fans a slice out over a temporary pool and collects errors.
//
// The automatic installer queues installs on a Pool, and the submission
// sweep runs automated validation through Batch.
package async
