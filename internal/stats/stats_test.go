package stats

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCommandCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.CommandSent("shard0")
	c.CommandSent("shard0")
	c.CommandCompleted("shard0")
	c.CommandTimedOut("shard0")
	c.CommandRetried("shard0")

	if got := testutil.ToFloat64(c.commandsSent.WithLabelValues("shard0")); got != 2 {
		t.Fatalf("expected commandsSent=2, got %v", got)
	}
	if got := testutil.ToFloat64(c.commandsCompleted.WithLabelValues("shard0")); got != 1 {
		t.Fatalf("expected commandsCompleted=1, got %v", got)
	}
	if got := testutil.ToFloat64(c.commandsTimedOut.WithLabelValues("shard0")); got != 1 {
		t.Fatalf("expected commandsTimedOut=1, got %v", got)
	}
	if got := testutil.ToFloat64(c.commandsRetried.WithLabelValues("shard0")); got != 1 {
		t.Fatalf("expected commandsRetried=1, got %v", got)
	}
}

func TestMessageDeliveredAccountsBytesAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.MessageDelivered("shard0", "channel0", 5)
	c.MessageDelivered("shard0", "channel0", 3)

	if got := testutil.ToFloat64(c.channelMessagesTotal.WithLabelValues("shard0", "channel0")); got != 2 {
		t.Fatalf("expected 2 messages, got %v", got)
	}
	if got := testutil.ToFloat64(c.channelBytesTotal.WithLabelValues("shard0", "channel0")); got != 8 {
		t.Fatalf("expected 8 bytes total, got %v", got)
	}
}

func TestAlienMessageAndSlotsUpdateCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.AlienMessage("shard0", "channel0")
	c.ClusterSlotsUpdated()
	c.ClusterSlotsUpdated()

	if got := testutil.ToFloat64(c.channelAlienTotal.WithLabelValues("shard0", "channel0")); got != 1 {
		t.Fatalf("expected 1 alien message, got %v", got)
	}
	if got := testutil.ToFloat64(c.clusterSlotsUpdates); got != 2 {
		t.Fatalf("expected 2 slots updates, got %v", got)
	}
}

func TestGaugesReflectLatestSet(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.SetInstancePingLatency("shard0", "10.0.0.1:6379", 0.002)
	c.SetSubscriptionsPerHost("shard0", "10.0.0.1:6379", 4)

	if got := testutil.ToFloat64(c.instancePingLatency.WithLabelValues("shard0", "10.0.0.1:6379")); got != 0.002 {
		t.Fatalf("expected ping latency 0.002, got %v", got)
	}
	if got := testutil.ToFloat64(c.subscriptionsPerHost.WithLabelValues("shard0", "10.0.0.1:6379")); got != 4 {
		t.Fatalf("expected 4 subscriptions, got %v", got)
	}
}
