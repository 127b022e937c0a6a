package prometheus

import "github.com/prometheus/client_golang/prometheus"

const (
	applyDurationBucketStart  = 0.001
	applyDurationBucketFactor = 2.0
	applyDurationBucketCount  = 14
)

const (
	pullLatencyBucketStart  = 0.05
	pullLatencyBucketFactor = 2.0
	pullLatencyBucketCount  = 10
)

const (
	kafkaLatencyBucketStart  = 1.0
	kafkaLatencyBucketFactor = 2.5
	kafkaLatencyBucketCount  = 15
)

var ApplyDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "callsync_apply_duration_seconds",
		Help: "Time taken to lock, merge and persist one fact",
		Buckets: prometheus.ExponentialBuckets(
			applyDurationBucketStart,
			applyDurationBucketFactor,
			applyDurationBucketCount,
		),
	},
	[]string{"source"},
)

var FactsApplied = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "callsync_facts_total",
		Help: "Facts applied to call records by source and outcome",
	},
	[]string{"source", "outcome"},
)

var TerminalTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "callsync_terminal_transitions_total",
		Help: "Calls that reached a terminal status",
	},
	[]string{"status", "source"},
)

var WebhookEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "callsync_webhook_events_total",
		Help: "Provider webhook deliveries by result",
	},
	[]string{"result"},
)

var ProviderPullLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "callsync_provider_pull_duration_seconds",
		Help: "Latency of provider status pulls",
		Buckets: prometheus.ExponentialBuckets(
			pullLatencyBucketStart,
			pullLatencyBucketFactor,
			pullLatencyBucketCount,
		),
	},
	[]string{"result"},
)

var ActivePollers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "callsync_active_pollers",
		Help: "Calls currently armed for status polling",
	},
)

var PollerExpirations = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "callsync_poller_expirations_total",
		Help: "Pollers that hit the polling expiry without a terminal status",
	},
)

var RealtimeEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "callsync_realtime_events_total",
		Help: "Realtime call update events by delivery result",
	},
	[]string{"result"},
)

var RealtimeSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "callsync_realtime_subscribers",
		Help: "Connected realtime subscribers",
	},
)

var TerminalDispatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "callsync_terminal_dispatch_total",
		Help: "Post-terminal dispatches by handler and result",
	},
	[]string{"handler", "result"},
)

var KafkaMessageLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "kafka_message_latency_seconds",
		Help: "Time taken from message production to consumption",
		Buckets: prometheus.ExponentialBuckets(
			kafkaLatencyBucketStart,
			kafkaLatencyBucketFactor,
			kafkaLatencyBucketCount,
		),
	},
	[]string{"topic"},
)

var CallCreatedEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "callsync_call_created_events_total",
		Help: "Consumed call created events by result",
	},
	[]string{"result"},
)

var KafkaPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "callsync_kafka_published_total",
		Help: "Messages handed to the Kafka producer by topic and result",
	},
	[]string{"topic", "result"},
)

var BreakerTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "callsync_circuit_breaker_transitions_total",
		Help: "Circuit breaker state changes by breaker and target state",
	},
	[]string{"breaker", "to"},
)

func init() {
	prometheus.MustRegister(
		ApplyDuration,
		FactsApplied,
		TerminalTransitions,
		WebhookEvents,
		ProviderPullLatency,
		ActivePollers,
		PollerExpirations,
		RealtimeEvents,
		RealtimeSubscribers,
		TerminalDispatches,
		KafkaMessageLatency,
		CallCreatedEvents,
		KafkaPublished,
		BreakerTransitions,
	)
}
