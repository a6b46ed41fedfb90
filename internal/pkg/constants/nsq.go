package constants

// NSQ topics for downstream consumers (history, billing export).
const (
	TopicRequestLifecycle = "geocell.request.lifecycle"
)
