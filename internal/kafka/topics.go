package kafka

// Topic layout for the agent task pipeline.
const (
	// TopicPending receives newly submitted tasks (gateway and the
	// auto-revision loop both produce here).
	TopicPending = "agent.tasks.pending"
	// TopicExecute is consumed by workers with at-most-once semantics.
	TopicExecute = "agent.tasks.execute"
	// TopicDLQ receives malformed or unroutable payloads.
	TopicDLQ = "agent.tasks.dlq"
)
