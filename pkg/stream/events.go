package stream

// Event types published on the operational feed. Payloads carry
// categorical data only; scrubbed or clear-text content never flows
// through the hub.
const (
	EventChatCompleted    = "chat.completed"
	EventChatFailed       = "chat.failed"
	EventBudgetOverrun    = "budget.overrun"
	EventBudgetAutoRefund = "budget.auto_refund"
	EventBreakerState     = "breaker.state"
	EventDraftTransition  = "draft.transition"
	EventTelemetryDropped = "telemetry.dropped"
)
