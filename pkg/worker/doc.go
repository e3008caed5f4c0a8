// Package worker provides the bounded worker pools the pipeline runs on.
//
// Pool[T] owns a fixed number of goroutines reading from a bounded queue.
// Submit never blocks: a full queue is reported as ErrQueueFull so ingestion
// can shed load instead of stalling terminal connections. SubmitWait blocks
// until there is room, the pool stops, or the context ends; the biometric
// search uses it to stream candidates into its own pool.
//
// A processor that panics fails only the item it was working on; the worker
// keeps running.
//
// Future[T] is a single-assignment result slot. Producers call Complete once,
// any number of consumers may Wait.
//
//	pool := worker.NewPool(8, 1024, process,
//	    worker.WithMetricsRegistry[job](registry, "router_pool"))
//	if err := pool.Start(ctx); err != nil { ... }
//	defer pool.Stop(5 * time.Second)
package worker
