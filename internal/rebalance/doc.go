// Package rebalance implements the scheduled rebalancing pipeline: a job
// store, a pluggable queue, a worker-pool processor that signs rebalance
// transactions through the operator, and a scheduler that enqueues one job
// per active auto-rebalance user on every interval.
package rebalance
