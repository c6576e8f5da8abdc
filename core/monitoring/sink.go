package monitoring

// Sink records service metrics. Implementations must not block and never
// return errors to the caller.
type Sink interface {
	// Job metrics
	JobCreated()
	JobUpdated(field string)

	// Event log metrics
	MetricAppended(kind string)
	MetricDeleted(kind string)
	EventLogFlushed(evicted int)

	// Broadcast metrics
	NotificationPublished(topic string)
	NotificationDropped(topic string)
	SubscribersUpdate(topic string, count int)
}

// Update field labels for JobUpdated
const (
	FieldState   = "state"
	FieldStation = "station"
)
