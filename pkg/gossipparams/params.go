// Package gossipparams centralizes the GossipParams configuration table in
// one place: one set of named constants, one constructor for the defaults.
package gossipparams

import (
	"fmt"
	"time"
)

// Defaults mirror the GossipSub v1.1 reference parameters.
const (
	DefaultD     = 6
	DefaultDLow  = 4
	DefaultDHigh = 12
	DefaultDScore = 4
	DefaultDOut  = 2
	DefaultDLazy = 6

	DefaultHeartbeatInterval = 1 * time.Second
	DefaultFanoutTTL         = 60 * time.Second

	DefaultGossipSize          = 3
	DefaultGossipHistoryLength = 5
	DefaultGossipFactor        = 0.25
	DefaultGossipRetransmission = 3

	DefaultMaxIHaveLength   = 5000
	DefaultMaxIHaveMessages = 10

	DefaultPruneBackoff        = 60 * time.Second
	DefaultGraftFloodThreshold = 10 * time.Second

	DefaultOpportunisticGraftTicks = 60
	DefaultOpportunisticGraftPeers = 2

	DefaultIWantFollowupTime = 3 * time.Second

	DefaultMaxPrunePeers = 16
)

// GossipParams is the full set of tunables controlling mesh degree,
// heartbeat cadence, gossip fan-out, and score gating.
type GossipParams struct {
	// Mesh degree targets and bounds.
	D      int
	DLow   int
	DHigh  int
	DScore int
	DOut   int
	DLazy  int

	HeartbeatInterval time.Duration
	FanoutTTL         time.Duration

	GossipSize          int
	GossipHistoryLength int
	GossipFactor        float64
	GossipRetransmission int

	MaxIHaveLength   int
	MaxIHaveMessages int

	PruneBackoff        time.Duration
	GraftFloodThreshold time.Duration

	OpportunisticGraftTicks int
	OpportunisticGraftPeers int

	IWantFollowupTime time.Duration

	FloodPublish bool

	MaxPrunePeers int
}

// Score-gated thresholds (gossipThreshold, publishThreshold,
// graylistThreshold, acceptPXThreshold, opportunisticGraftThreshold,
// isDirect) are deliberately not part of GossipParams: they belong to the
// injected score.Score capability and are read through score.Score.Params(),
// never duplicated here. See pkg/score.DefaultThresholds for the reference
// values.

// Default returns the GossipSub v1.1 reference defaults.
func Default() *GossipParams {
	return &GossipParams{
		D:      DefaultD,
		DLow:   DefaultDLow,
		DHigh:  DefaultDHigh,
		DScore: DefaultDScore,
		DOut:   DefaultDOut,
		DLazy:  DefaultDLazy,

		HeartbeatInterval: DefaultHeartbeatInterval,
		FanoutTTL:         DefaultFanoutTTL,

		GossipSize:          DefaultGossipSize,
		GossipHistoryLength: DefaultGossipHistoryLength,
		GossipFactor:        DefaultGossipFactor,
		GossipRetransmission: DefaultGossipRetransmission,

		MaxIHaveLength:   DefaultMaxIHaveLength,
		MaxIHaveMessages: DefaultMaxIHaveMessages,

		PruneBackoff:        DefaultPruneBackoff,
		GraftFloodThreshold: DefaultGraftFloodThreshold,

		OpportunisticGraftTicks: DefaultOpportunisticGraftTicks,
		OpportunisticGraftPeers: DefaultOpportunisticGraftPeers,

		IWantFollowupTime: DefaultIWantFollowupTime,

		FloodPublish: false,

		MaxPrunePeers: DefaultMaxPrunePeers,
	}
}

// Validate checks the cross-field invariants mesh maintenance relies on:
// DScore must not exceed D, or the heartbeat's keep-pool construction can
// itself exceed D before the outbound top-up runs.
func (p *GossipParams) Validate() error {
	if p.DScore > p.D {
		return fmt.Errorf("gossipparams: DScore (%d) must be <= D (%d)", p.DScore, p.D)
	}
	if p.DLow > p.D || p.D > p.DHigh {
		return fmt.Errorf("gossipparams: require DLow (%d) <= D (%d) <= DHigh (%d)", p.DLow, p.D, p.DHigh)
	}
	if p.DOut > p.DLow {
		return fmt.Errorf("gossipparams: DOut (%d) must be <= DLow (%d)", p.DOut, p.DLow)
	}
	if p.GossipSize > p.GossipHistoryLength {
		return fmt.Errorf("gossipparams: GossipSize (%d) must be <= GossipHistoryLength (%d)", p.GossipSize, p.GossipHistoryLength)
	}
	return nil
}
