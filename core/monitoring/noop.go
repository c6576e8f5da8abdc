package monitoring

// NoopSink discards every metric. Used when metrics are disabled.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (NoopSink) JobCreated()                               {}
func (NoopSink) JobUpdated(field string)                   {}
func (NoopSink) MetricAppended(kind string)                {}
func (NoopSink) MetricDeleted(kind string)                 {}
func (NoopSink) EventLogFlushed(evicted int)               {}
func (NoopSink) NotificationPublished(topic string)        {}
func (NoopSink) NotificationDropped(topic string)          {}
func (NoopSink) SubscribersUpdate(topic string, count int) {}
