// Package node is the reconciliation node: it owns the local multiset,
// the cluster ring and liveness view, serves the HTTP control surface,
// and runs PBS sessions against peers over a minimal length-prefixed TCP
// transport.
package node

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/pbsync/pkg/liveness"
	"github.com/ryandielhenn/pbsync/pkg/paramoracle"
	"github.com/ryandielhenn/pbsync/pkg/pbs"
	"github.com/ryandielhenn/pbsync/pkg/store"
	"github.com/ryandielhenn/pbsync/pkg/topology"
)

// Config carries the node's identity and protocol knobs.
type Config struct {
	ID       string
	SyncAddr string // advertised reconciliation (TCP) address

	// Protocol knobs shipped to peers in the session handshake; zero
	// values take the pbs defaults.
	Protocol pbs.Config

	// Estimator produces d̂ for initiated sessions; nil means the
	// upper-bound estimator.
	Estimator pbs.Estimator

	Logger *zap.Logger
}

type Node struct {
	cfg      Config
	store    *store.Store
	ring     *topology.Ring
	detector *liveness.Detector
	oracle   *paramoracle.Oracle
	log      *zap.Logger
}

func New(cfg Config, st *store.Store, ring *topology.Ring, det *liveness.Detector, oracle *paramoracle.Oracle) *Node {
	if cfg.Estimator == nil {
		cfg.Estimator = pbs.UpperBoundEstimator{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		cfg:      cfg,
		store:    st,
		ring:     ring,
		detector: det,
		oracle:   oracle,
		log:      log,
	}
}

func (n *Node) ID() string           { return n.cfg.ID }
func (n *Node) SyncAddr() string     { return n.cfg.SyncAddr }
func (n *Node) Store() *store.Store  { return n.store }
func (n *Node) Ring() *topology.Ring { return n.ring }

func (n *Node) AddPeer(id, hostport string) {
	n.ring.Add(id, hostport)
}

func (n *Node) ClearPeers() {
	n.ring.Clear()
}
