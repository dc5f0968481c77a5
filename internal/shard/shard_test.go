package shard

import (
	"testing"

	"github.com/galaxyed/redisdriver/internal/command"
	"github.com/galaxyed/redisdriver/internal/instance"
	"github.com/galaxyed/redisdriver/internal/logging"
	"github.com/galaxyed/redisdriver/internal/serverid"
)

func newTestShard() *Shard {
	return New("test-shard", serverid.NewRegistry(), logging.New(logging.NONE, nil), instance.Config{})
}

func TestShardIsReadyEmpty(t *testing.T) {
	s := newTestShard()
	if s.IsReady(command.WaitMasterOnly) {
		t.Fatal("empty shard must not be ready for WaitMasterOnly")
	}
	if s.IsReady(command.WaitMasterOrSlave) {
		t.Fatal("empty shard must not be ready for WaitMasterOrSlave")
	}
}

func TestShardSelectNoCandidates(t *testing.T) {
	s := newTestShard()
	if inst := s.Select(command.Control{}, false, serverid.Any); inst != nil {
		t.Fatalf("expected nil selection on empty shard, got %v", inst)
	}
}

func TestShardInstanceCountAfterCreation(t *testing.T) {
	s := newTestShard()
	s.ProcessCreation(Desired{})
	if s.InstanceCount() != 0 {
		t.Fatalf("expected 0 instances for empty desired set, got %d", s.InstanceCount())
	}
}
