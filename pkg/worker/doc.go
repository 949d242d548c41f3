// Package worker runs competing consumers against a queue.Broker.
//
// Each worker dequeues a batch, executes it under a per-batch timeout and
// renews its lease while it works. The outcome is reported back to the
// broker:
//   - execution finished: Ack with the batch result (account failures are
//     part of the result, not a batch failure)
//   - timeout: Nack "timeout"
//   - panic: Nack "worker panic"
//   - shutdown while executing: Nack "stopped"
//
// Example usage:
//
//	pool := worker.NewPool(broker, executor, worker.DefaultConfig())
//	err := pool.Run(ctx) // returns when ctx is done or the broker is closed
package worker
