package pbs

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/pbsync/pkg/paramoracle"
)

// Defaults for the protocol knobs. Both peers must run with the same
// values for a session; the transport handshake carries them.
const (
	DefaultTargetSuccessProb          = 0.99
	DefaultMaxRounds                  = 3
	DefaultAvgDiffsPerGroup   float64 = 5.0
	DefaultSubgroupsOnFailure         = 3
)

// Config holds the reconciler knobs. Zero values take the defaults.
type Config struct {
	TargetSuccessProb  float64
	MaxRounds          int
	AvgDiffsPerGroup   float64
	SubgroupsOnFailure int
	Seed               uint64
}

// WithDefaults returns the config with zero fields resolved to the
// defaults; transports use it to ship concrete knobs to the peer.
func (c Config) WithDefaults() Config {
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.TargetSuccessProb == 0 {
		c.TargetSuccessProb = DefaultTargetSuccessProb
	}
	if c.MaxRounds == 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.AvgDiffsPerGroup == 0 {
		c.AvgDiffsPerGroup = DefaultAvgDiffsPerGroup
	}
	if c.SubgroupsOnFailure == 0 {
		c.SubgroupsOnFailure = DefaultSubgroupsOnFailure
	}
	if c.Seed == 0 {
		c.Seed = DefaultSeed
	}
}

// Option customizes a Reconciler at construction.
type Option func(*Reconciler)

// WithTargetSuccessProb sets the probability target for completing
// within MaxRounds.
func WithTargetSuccessProb(p float64) Option {
	return func(r *Reconciler) { r.cfg.TargetSuccessProb = p }
}

// WithMaxRounds bounds the rounds the parameter search provisions for.
func WithMaxRounds(n int) Option {
	return func(r *Reconciler) { r.cfg.MaxRounds = n }
}

// WithAvgDiffsPerGroup sets delta, the target average differences per
// group; smaller delta means more groups and lighter BCH load per group.
func WithAvgDiffsPerGroup(d float64) Option {
	return func(r *Reconciler) { r.cfg.AvgDiffsPerGroup = d }
}

// WithSubgroupsOnFailure sets the fan-out of the split performed when
// BCH decoding fails in a group.
func WithSubgroupsOnFailure(c int) Option {
	return func(r *Reconciler) { r.cfg.SubgroupsOnFailure = c }
}

// WithSeed sets the base hash seed; both peers must agree on it.
func WithSeed(seed uint64) Option {
	return func(r *Reconciler) { r.cfg.Seed = seed }
}

// WithOracle supplies the parameter oracle (and thereby the matrix
// cache) to use instead of the process-default one.
func WithOracle(o *paramoracle.Oracle) Option {
	return func(r *Reconciler) { r.oracle = o }
}

// WithLogger attaches a zap logger; the default is a nop.
func WithLogger(log *zap.Logger) Option {
	return func(r *Reconciler) { r.log = log }
}
