// Package quorum decides when a backup may take over from a live server
// it can no longer reach, and when a live server must stand down.
package quorum

import "github.com/dd0wney/cluso-mq/pkg/cluster"

// Decision is the outcome of one vote
type Decision int

const (
	// DecisionRetry: too few responders or a split ballot
	DecisionRetry Decision = iota
	// DecisionStay: the live is still up as far as the cluster can tell
	DecisionStay
	// DecisionPromote: take over from the live
	DecisionPromote
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionStay:
		return "stay"
	case DecisionPromote:
		return "promote"
	default:
		return "unknown"
	}
}

// Ballot is one member's answer to "have you seen the live recently"
type Ballot struct {
	Voter        cluster.NodeID
	LiveObserved bool
}

// Vote collects the ballots about one suspected live server
type Vote struct {
	Topic           cluster.NodeID
	Ballots         map[cluster.NodeID]Ballot
	Required        int
	SelfReachesLive bool
}

// Required returns the smallest strict majority of n
func Required(n int) int {
	return n/2 + 1
}

// ClusterSize counts the live members the quorum is measured against.
// The suspected live is always included. A configured size overrides.
func ClusterSize(members []cluster.Member, suspect cluster.NodeID, configured int) int {
	if configured > 0 {
		return configured
	}
	n := 0
	seen := false
	for _, m := range members {
		if m.Live == "" {
			continue
		}
		n++
		if m.NodeID == suspect {
			seen = true
		}
	}
	if !seen {
		n++
	}
	return n
}

// Decide applies the promotion rule. Promotion needs all of: this backup
// cannot reach the live, at least Required responders, and a strict
// majority of responders that have not observed the live.
func Decide(v Vote) Decision {
	if v.SelfReachesLive {
		return DecisionStay
	}
	responders := len(v.Ballots)
	if responders == 0 || responders < v.Required {
		return DecisionRetry
	}

	down := 0
	for _, b := range v.Ballots {
		if !b.LiveObserved {
			down++
		}
	}
	up := responders - down
	switch {
	case down*2 > responders:
		return DecisionPromote
	case up*2 > responders:
		return DecisionStay
	default:
		return DecisionRetry
	}
}
