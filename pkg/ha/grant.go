package ha

import (
	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/config"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
)

// HandleBackupRequest answers a peer's request to host its backup.
// A grant launches the backup instance before replying, so a granted
// requester already has a replication peer.
func (m *Manager) HandleBackupRequest(req *protocol.BackupRequest) *protocol.BackupResponse {
	alloc, reason := m.reserve(req)
	if reason != "" {
		return m.refuse(req, reason)
	}

	server, err := m.opts.Launch(alloc)
	if err != nil {
		m.release(req.RequesterID, alloc.Slot)
		m.logger.Error("failed to launch backup", logging.Peer(req.RequesterID.Short()), logging.Error(err))
		return m.refuse(req, protocol.RefusedLaunchFailed)
	}

	m.mu.Lock()
	h, ok := m.hosted[req.RequesterID]
	if m.stopping || !ok {
		m.mu.Unlock()
		_ = server.Stop()
		m.release(req.RequesterID, alloc.Slot)
		return m.refuse(req, protocol.RefusedStopping)
	}
	h.server = server
	m.updateGaugeLocked()
	m.mu.Unlock()

	if topo := m.opts.Topology; topo != nil {
		topo.Merge(cluster.SetBackup(req.RequesterID, m.opts.Addr, topo.NextVersion()))
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordBackupGrant("granted")
	}
	m.logger.Info("granted backup",
		logging.Peer(req.RequesterID.Short()),
		logging.Int("slot", alloc.Slot),
		logging.String("strategy", string(alloc.Strategy)))

	return &protocol.BackupResponse{
		Granted:   true,
		HostID:    m.opts.Self,
		HostAddr:  m.opts.Addr,
		Slot:      alloc.Slot,
		Acceptors: alloc.Acceptors,
	}
}

// reserve runs every refusal check and claims a slot in one critical
// section.
func (m *Manager) reserve(req *protocol.BackupRequest) (Allocation, protocol.RefusalReason) {
	policy := m.opts.Policy

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.stopping || !m.started:
		return Allocation{}, protocol.RefusedStopping
	case req.RequesterID == m.opts.Self:
		return Allocation{}, protocol.RefusedOwnIdentity
	case !m.compatible(req):
		return Allocation{}, protocol.RefusedPolicy
	}
	if _, ok := m.hosted[req.RequesterID]; ok {
		return Allocation{}, protocol.RefusedAlreadyHosting
	}
	if _, ok := m.promoted[req.RequesterID]; ok {
		return Allocation{}, protocol.RefusedOwnIdentity
	}
	if len(m.hosted) >= policy.MaxBackups {
		return Allocation{}, protocol.RefusedFull
	}

	storage := config.BackupStorage(req.Policy, m.opts.Storage, req.LiveStorage, string(req.RequesterID))
	if err := config.CheckStorage(req.Policy, req.LiveStorage, storage); err != nil {
		m.logger.Warn("refusing backup with unusable storage", logging.Peer(req.RequesterID.Short()), logging.Error(err))
		return Allocation{}, protocol.RefusedPolicy
	}

	slot := 1
	for {
		if _, taken := m.slots[slot]; !taken {
			break
		}
		slot++
	}
	m.slots[slot] = req.RequesterID

	alloc := Allocation{
		HostID:    m.opts.Self,
		BackupOf:  req.RequesterID,
		LiveAddr:  req.RequesterAddr,
		Slot:      slot,
		Policy:    req.Policy,
		Strategy:  req.Strategy,
		Acceptors: config.BackupAcceptors(policy, req.Strategy, m.opts.Acceptor, slot),
		Storage:   storage,
	}
	m.hosted[req.RequesterID] = &hosted{alloc: alloc}
	return alloc, ""
}

// compatible reports whether this node's policy can host the request.
// Colocated nodes host colocated backups of the same storage family;
// simple nodes host only when configured as standby.
func (m *Manager) compatible(req *protocol.BackupRequest) bool {
	policy := m.opts.Policy
	if policy.MaxBackups <= 0 {
		return false
	}
	if req.Colocated() != policy.Type.Colocated() {
		return false
	}
	if req.Policy.SharedStore() != policy.Type.SharedStore() {
		return false
	}
	if !policy.Type.Colocated() && !policy.Standby() {
		return false
	}
	// a standby has no journal of its own to scale down into
	if req.Strategy == config.StrategyScaleDown && policy.Standby() {
		return false
	}
	return req.Strategy == "" || req.Strategy == config.StrategyFull || req.Strategy == config.StrategyScaleDown
}

func (m *Manager) release(id cluster.NodeID, slot int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hosted[id]; ok && h.alloc.Slot == slot {
		delete(m.hosted, id)
	}
	if m.slots[slot] == id {
		delete(m.slots, slot)
	}
	m.updateGaugeLocked()
}

func (m *Manager) refuse(req *protocol.BackupRequest, reason protocol.RefusalReason) *protocol.BackupResponse {
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordBackupGrant(string(reason))
	}
	m.logger.Debug("refused backup request",
		logging.Peer(req.RequesterID.Short()),
		logging.String("reason", string(reason)))
	return &protocol.BackupResponse{
		Reason:   reason,
		HostID:   m.opts.Self,
		HostAddr: m.opts.Addr,
	}
}
