package mq

// Broker resource names derived from a worker name. Topology (queues,
// exchanges, dead-letter bindings) is pre-configured by an external tool;
// workers only need to agree on the names.

// InputQueue returns the worker's input queue name
func InputQueue(worker string) string { return worker + "-in" }

// OutputExchange returns the worker's output exchange name
func OutputExchange(worker string) string { return worker + "-out" }

// DelayQueue returns the worker's retry delay queue name. The queue has no
// consumer; per-message TTL dead-letters messages back to the input queue.
func DelayQueue(worker string) string { return worker + "-delay" }

// FastQueue returns the worker's fast-requeue queue name, dead-lettered back
// to the input queue with a short TTL.
func FastQueue(worker string) string { return worker + "-fast" }

// QuarantineQueue returns the worker's quarantine queue name (no consumer)
func QuarantineQueue(worker string) string { return worker + "-quar" }

// BarrierExchange returns the configuration-barrier exchange name for a
// deployment. Its presence gates worker startup during rolling deploys.
func BarrierExchange(deployment string) string {
	return "mc-configuration-" + deployment
}
