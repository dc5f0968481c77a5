// Package stats exports the statistics surface named in §6: per-shard
// command counters, instance ping latency, subscriptions per host,
// channel message bytes/counts, and the cluster-slots-update counter.
// Built on promauto/client_golang, the teacher corpus's standard metrics
// stack.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector owns every metric the driver exports, registered against the
// Registerer passed to New (prometheus.DefaultRegisterer in production, a
// dedicated *prometheus.Registry for isolated tests).
type Collector struct {
	commandsSent      *prometheus.CounterVec
	commandsCompleted *prometheus.CounterVec
	commandsTimedOut  *prometheus.CounterVec
	commandsRetried   *prometheus.CounterVec

	instancePingLatency *prometheus.GaugeVec

	subscriptionsPerHost *prometheus.GaugeVec
	channelMessagesTotal *prometheus.CounterVec
	channelBytesTotal    *prometheus.CounterVec
	channelAlienTotal    *prometheus.CounterVec

	clusterSlotsUpdates prometheus.Counter
}

// New builds a Collector registering every metric against reg (pass
// prometheus.DefaultRegisterer for process-wide collection, or a fresh
// *prometheus.Registry per test to avoid cross-test collisions).
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		commandsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redisdriver_commands_sent_total",
			Help: "Commands transmitted per shard.",
		}, []string{"shard"}),
		commandsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redisdriver_commands_completed_total",
			Help: "Commands completed (any terminal status) per shard.",
		}, []string{"shard"}),
		commandsTimedOut: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redisdriver_commands_timed_out_total",
			Help: "Commands that completed with a timeout reply, per shard.",
		}, []string{"shard"}),
		commandsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redisdriver_commands_retried_total",
			Help: "Command retry attempts issued, per shard.",
		}, []string{"shard"}),
		instancePingLatency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redisdriver_instance_ping_latency_seconds",
			Help: "Most recent inactivity-ping round-trip time per instance.",
		}, []string{"shard", "instance"}),
		subscriptionsPerHost: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "redisdriver_subscriptions_per_host",
			Help: "Number of live channel/pattern subscriptions currently placed on each instance.",
		}, []string{"shard", "instance"}),
		channelMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redisdriver_channel_messages_total",
			Help: "Messages delivered per channel.",
		}, []string{"shard", "channel"}),
		channelBytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redisdriver_channel_message_bytes_total",
			Help: "Message payload bytes delivered per channel.",
		}, []string{"shard", "channel"}),
		channelAlienTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "redisdriver_channel_alien_messages_total",
			Help: "Messages observed from a server other than a channel's current FSM server, per channel.",
		}, []string{"shard", "channel"}),
		clusterSlotsUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "redisdriver_cluster_slots_updates_total",
			Help: "Number of accepted CLUSTER SLOTS topology updates.",
		}),
	}
}

// CommandSent records one transmitted command attempt on shard.
func (c *Collector) CommandSent(shard string) { c.commandsSent.WithLabelValues(shard).Inc() }

// CommandCompleted records one terminal command reply on shard.
func (c *Collector) CommandCompleted(shard string) { c.commandsCompleted.WithLabelValues(shard).Inc() }

// CommandTimedOut records one command that completed via timeout on shard.
func (c *Collector) CommandTimedOut(shard string) { c.commandsTimedOut.WithLabelValues(shard).Inc() }

// CommandRetried records one retry attempt on shard.
func (c *Collector) CommandRetried(shard string) { c.commandsRetried.WithLabelValues(shard).Inc() }

// SetInstancePingLatency records instance's most recent ping RTT.
func (c *Collector) SetInstancePingLatency(shard, instance string, seconds float64) {
	c.instancePingLatency.WithLabelValues(shard, instance).Set(seconds)
}

// SetSubscriptionsPerHost records the current live-subscription count for
// one instance.
func (c *Collector) SetSubscriptionsPerHost(shard, instance string, count float64) {
	c.subscriptionsPerHost.WithLabelValues(shard, instance).Set(count)
}

// MessageDelivered accounts one delivered message's count and payload size.
func (c *Collector) MessageDelivered(shard, channel string, payloadBytes int) {
	c.channelMessagesTotal.WithLabelValues(shard, channel).Inc()
	c.channelBytesTotal.WithLabelValues(shard, channel).Add(float64(payloadBytes))
}

// AlienMessage records one message observed from a server other than the
// channel's current FSM server.
func (c *Collector) AlienMessage(shard, channel string) {
	c.channelAlienTotal.WithLabelValues(shard, channel).Inc()
}

// ClusterSlotsUpdated records one accepted CLUSTER SLOTS topology update.
func (c *Collector) ClusterSlotsUpdated() { c.clusterSlotsUpdates.Inc() }
