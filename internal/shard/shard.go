// Package shard implements C2: one logical shard (one master plus zero or
// more replicas, or the set of cluster nodes serving one slot range). A
// Shard reconciles its live Instance vector against a desired
// ConnectionInfo set, selects an Instance per command per §4.2's policy,
// and reports readiness to waiters.
package shard

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/galaxyed/redisdriver/internal/command"
	"github.com/galaxyed/redisdriver/internal/conninfo"
	"github.com/galaxyed/redisdriver/internal/instance"
	"github.com/galaxyed/redisdriver/internal/logging"
	"github.com/galaxyed/redisdriver/internal/serverid"
)

// Role distinguishes master from replica membership within a Shard, used
// by selection (AllowReadsFromMaster) and by Topology's WaitMode check.
type Role int

const (
	RoleMaster Role = iota
	RoleReplica
)

// member pairs a live Instance with its Role and desired/actual
// membership bookkeeping.
type member struct {
	inst *instance.Instance
	role Role
}

// Shard owns the instance vector for one master (+ replicas) or one
// cluster slot range.
type Shard struct {
	Name string

	idGen    serverid.Generator
	registry *serverid.Registry
	logger   *logging.HandlerLogger
	instCfg  instance.Config

	mu      sync.RWMutex
	members map[string]*member // key: conninfo.Info.Key()

	rrCounter uint64

	readyMu   sync.Mutex
	readyOnce bool
	readyCh   chan struct{}
}

// New builds an empty Shard. Use ProcessCreation to populate its instance
// vector from a desired ConnectionInfo set.
func New(name string, registry *serverid.Registry, logger *logging.HandlerLogger, instCfg instance.Config) *Shard {
	return &Shard{
		Name:     name,
		registry: registry,
		logger:   logger,
		instCfg:  instCfg,
		members:  make(map[string]*member),
		readyCh:  make(chan struct{}),
	}
}

// Desired describes the reconciliation target: a ConnectionInfo set
// tagged by role.
type Desired struct {
	Masters  []conninfo.Info
	Replicas []conninfo.Info
}

// ProcessCreation reconciles the live instance vector against desired: new
// ConnectionInfos get an Instance created and connected; ConnectionInfos no
// longer desired are destroyed. Safe to call repeatedly as topology
// updates arrive (§4.2 "Creation loop").
func (s *Shard) ProcessCreation(desired Desired) {
	want := make(map[string]Role, len(desired.Masters)+len(desired.Replicas))
	infoByKey := make(map[string]conninfo.Info, len(desired.Masters)+len(desired.Replicas))
	for _, info := range desired.Masters {
		want[info.Key()] = RoleMaster
		infoByKey[info.Key()] = info
	}
	for _, info := range desired.Replicas {
		want[info.Key()] = RoleReplica
		infoByKey[info.Key()] = info
	}

	s.mu.Lock()
	var toCreate []conninfo.Info
	var toCreateRole []Role
	var toDestroy []*instance.Instance
	for key, role := range want {
		if m, ok := s.members[key]; ok {
			m.role = role
			continue
		}
		toCreate = append(toCreate, infoByKey[key])
		toCreateRole = append(toCreateRole, role)
	}
	for key, m := range s.members {
		if _, ok := want[key]; !ok {
			toDestroy = append(toDestroy, m.inst)
			delete(s.members, key)
		}
	}
	s.mu.Unlock()

	for i, info := range toCreate {
		s.createInstance(info, toCreateRole[i])
	}
	for _, inst := range toDestroy {
		s.registry.Delete(inst.ID())
		inst.Destroy()
	}
}

func (s *Shard) createInstance(info conninfo.Info, role Role) {
	id := s.idGen.Next()
	s.registry.Set(id, info.Key())

	cfg := s.instCfg
	cfg.SubscribeMode = false
	info.Readonly = role == RoleReplica

	inst := instance.New(info, id, cfg, s.logger)

	signals := make(chan instance.Signal, 8)
	inst.Subscribe(signals)
	go s.watchSignals(inst, signals)

	s.mu.Lock()
	s.members[info.Key()] = &member{inst: inst, role: role}
	s.mu.Unlock()

	go func() {
		// Instance.Connect has its own dial timeout; reconnection on
		// failure is driven by the owning topology holder's next periodic
		// pass, which calls ProcessCreation again.
		_ = inst.Connect(context.Background())
	}()
}

func (s *Shard) watchSignals(inst *instance.Instance, signals chan instance.Signal) {
	for sig := range signals {
		if sig.To == instance.Connected {
			s.markReadyOnce()
		}
	}
}

func (s *Shard) markReadyOnce() {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if s.readyOnce {
		return
	}
	s.readyOnce = true
	close(s.readyCh)
}

// Ready returns a channel closed the first time this shard has at least
// one Connected instance.
func (s *Shard) Ready() <-chan struct{} { return s.readyCh }

// IsReady reports whether the shard currently has at least one Connected
// instance of the required role per mode.
func (s *Shard) IsReady(mode command.WaitMode) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hasMaster, hasReplica := false, false
	for _, m := range s.members {
		if m.inst.State() != instance.Connected {
			continue
		}
		if m.role == RoleMaster {
			hasMaster = true
		} else {
			hasReplica = true
		}
	}
	switch mode {
	case command.WaitMasterOnly:
		return hasMaster
	case command.WaitSlaveOnly:
		return hasReplica
	case command.WaitMasterAndSlave:
		return hasMaster && hasReplica
	default: // WaitMasterOrSlave
		return hasMaster || hasReplica
	}
}

// Select implements §4.2's instance selection policy and returns nil if no
// candidate is available.
func (s *Shard) Select(ctl command.Control, readOnly bool, previous serverid.ID) *instance.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !ctl.ForceServerID.IsAny() {
		for _, m := range s.members {
			if m.inst.ID() == ctl.ForceServerID && m.inst.State() == instance.Connected {
				return m.inst
			}
		}
		return nil
	}

	candidates := s.candidateSet(ctl, readOnly)
	if len(candidates) == 0 {
		return nil
	}
	return s.pickFewestInFlight(candidates, previous)
}

// pingScored pairs an instance with its measured ping, for NearestServerPing
// sorting.
type pingScored struct {
	inst *instance.Instance
	ping int64
}

// candidateSet applies the Strategy filter and read/write role eligibility.
func (s *Shard) candidateSet(ctl command.Control, readOnly bool) []*instance.Instance {
	var pool []pingScored
	for _, m := range s.members {
		if m.inst.State() != instance.Connected {
			continue
		}
		eligible := m.role == RoleReplica || (m.role == RoleMaster && (!readOnly || ctl.AllowReadsFromMaster || ctl.ForceRequestToMaster))
		if !readOnly {
			eligible = m.role == RoleMaster
		}
		if !eligible {
			continue
		}
		if ctl.MaxPingLatency > 0 && m.inst.PingLatency() > ctl.MaxPingLatency {
			continue
		}
		pool = append(pool, pingScored{inst: m.inst, ping: int64(m.inst.PingLatency())})
	}
	if len(pool) == 0 {
		return nil
	}

	switch ctl.Strategy {
	case command.NearestServerPing:
		n := ctl.BestDCCount
		if n <= 0 || n > len(pool) {
			n = len(pool)
		}
		sortByPing(pool)
		out := make([]*instance.Instance, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, pool[i].inst)
		}
		return out
	case command.LocalDcConductor, command.EveryDc:
		fallthrough
	default:
		out := make([]*instance.Instance, 0, len(pool))
		for _, p := range pool {
			out = append(out, p.inst)
		}
		return out
	}
}

func sortByPing(pool []pingScored) {
	for i := 1; i < len(pool); i++ {
		for j := i; j > 0 && pool[j].ping < pool[j-1].ping; j-- {
			pool[j], pool[j-1] = pool[j-1], pool[j]
		}
	}
}

// pickFewestInFlight chooses the candidate with the lowest InFlightCount,
// avoiding previous when a tied lower-count alternative exists, and breaks
// remaining ties with a round-robin counter.
func (s *Shard) pickFewestInFlight(candidates []*instance.Instance, previous serverid.ID) *instance.Instance {
	best := candidates[0].InFlightCount()
	for _, c := range candidates {
		if n := c.InFlightCount(); n < best {
			best = n
		}
	}
	var tied []*instance.Instance
	for _, c := range candidates {
		if c.InFlightCount() == best {
			tied = append(tied, c)
		}
	}
	if len(tied) > 1 && !previous.IsAny() {
		filtered := tied[:0:0]
		for _, c := range tied {
			if c.ID() != previous {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) > 0 {
			tied = filtered
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	idx := atomic.AddUint64(&s.rrCounter, 1) % uint64(len(tied))
	return tied[idx]
}

// InstanceCount returns the number of live instances, for diagnostics and
// tests.
func (s *Shard) InstanceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// ConnectedInstanceIDs returns the server IDs of every currently Connected
// instance, master and replicas alike - the candidate set a subscription
// rebalance weighs evenly across (§4.7's "weights" input).
func (s *Shard) ConnectedInstanceIDs() []serverid.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]serverid.ID, 0, len(s.members))
	for _, m := range s.members {
		if m.inst.State() == instance.Connected {
			ids = append(ids, m.inst.ID())
		}
	}
	return ids
}
