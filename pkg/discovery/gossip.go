package discovery

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-mq/pkg/cluster"
	"github.com/dd0wney/cluso-mq/pkg/logging"
	"github.com/dd0wney/cluso-mq/pkg/protocol"
	"github.com/dd0wney/cluso-mq/pkg/transport"
)

const fanout = 16

// announce sends this node's member record to addrs and merges every
// reply. It returns how many connectors answered.
func (s *Service) announce(ctx context.Context, addrs []string) int {
	self, ok := s.opts.Topology.Member(s.opts.Self)
	if !ok {
		self = cluster.Member{NodeID: s.opts.Self}
	}

	replies := make([]*protocol.TopologyReply, len(addrs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)
	for i, addr := range addrs {
		if addr == s.opts.Addr {
			continue
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, s.opts.CallTimeout)
			defer cancel()

			reply, err := transport.CallAs[*protocol.TopologyReply](cctx, s.opts.Transport, addr, protocol.Envelope{
				From:   s.opts.Self,
				Packet: &protocol.TopologyAnnounce{Member: self},
			})
			if err != nil {
				s.logger.Debug("announce failed", logging.Addr(addr), logging.Error(err))
				return nil
			}
			replies[i] = reply
			return nil
		})
	}
	g.Wait()

	answered := 0
	for _, reply := range replies {
		if reply == nil {
			continue
		}
		answered++
		s.MergeReply(reply)
	}
	return answered
}

// MergeReply folds a full membership view into the local topology
func (s *Service) MergeReply(reply *protocol.TopologyReply) {
	for _, d := range reply.Departures {
		s.applyDeparture(d)
	}
	for _, m := range reply.Members {
		s.applyMember(m)
	}
}

func (s *Service) applyMember(m cluster.Member) {
	if m.NodeID == s.opts.Self {
		s.reassertSelf(m)
		return
	}
	s.opts.Topology.Merge(cluster.UpdateFrom(m))
}

func (s *Service) applyDeparture(d cluster.Departure) {
	if d.NodeID == s.opts.Self {
		// Still running; a newer announcement overrides the departure
		s.reassertSelf(cluster.Member{NodeID: d.NodeID, LiveVersion: d.Version})
		return
	}
	if s.opts.Topology.Remove(d.NodeID, d.Version) && s.opts.Liveness != nil {
		s.opts.Liveness.Forget(d.NodeID)
	}
}

// reassertSelf republishes this node's own record when a peer holds a
// newer version of it than the local copy.
func (s *Service) reassertSelf(remote cluster.Member) {
	topo := s.opts.Topology
	local, ok := topo.Member(s.opts.Self)
	if !ok || remote.Version() < local.Version() {
		return
	}
	if remote == local {
		return
	}
	v := topo.NextVersion()
	topo.Merge(cluster.SetLive(s.opts.Self, local.Live, v))
	topo.Merge(cluster.SetBackup(s.opts.Self, local.Backup, v))
}

// send pushes each change to every target connector
func (s *Service) send(ctx context.Context, changes []cluster.Change) {
	packets := make([]protocol.Packet, 0, len(changes))
	for _, c := range changes {
		if c.Removed {
			d, ok := s.opts.Topology.Departure(c.Member.NodeID)
			if !ok {
				continue
			}
			packets = append(packets, &protocol.NodeLeft{Departure: d})
			continue
		}
		m, ok := s.opts.Topology.Member(c.Member.NodeID)
		if !ok {
			continue
		}
		packets = append(packets, &protocol.TopologyUpdate{Member: m})
	}
	if len(packets) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanout)
	for _, addr := range s.targets() {
		g.Go(func() error {
			for _, p := range packets {
				cctx, cancel := context.WithTimeout(gctx, s.opts.CallTimeout)
				_, err := s.opts.Transport.Call(cctx, addr, protocol.Envelope{From: s.opts.Self, Packet: p})
				cancel()
				if err != nil {
					s.logger.Debug("broadcast failed", logging.Addr(addr), logging.String("packet", p.Tag().String()), logging.Error(err))
					return nil
				}
			}
			return nil
		})
	}
	g.Wait()
}

// Handle answers the topology packets addressed to this node. ok is false
// for packets that belong to another component.
func (s *Service) Handle(ctx context.Context, env protocol.Envelope) (reply protocol.Packet, ok bool, err error) {
	switch p := env.Packet.(type) {
	case *protocol.TopologyAnnounce:
		s.applyMember(p.Member)
		return &protocol.TopologyReply{
			Members:    s.opts.Topology.Members(),
			Departures: s.opts.Topology.Departures(),
		}, true, nil
	case *protocol.TopologyUpdate:
		s.applyMember(p.Member)
		return &protocol.Ack{}, true, nil
	case *protocol.NodeLeft:
		s.applyDeparture(p.Departure)
		return &protocol.Ack{}, true, nil
	default:
		return nil, false, nil
	}
}
