// Package integration wires a handful of real validator stacks
// (primary, worker, storage, bft engine, ledger materializer) together
// in-process, without a real Gateway, to exercise the full propose ->
// certify -> commit -> materialize pipeline end to end.
package integration

import (
	"fmt"

	"github.com/tolelom/dagbft/bft"
	"github.com/tolelom/dagbft/crypto"
	"github.com/tolelom/dagbft/events"
	"github.com/tolelom/dagbft/internal/testutil"
	"github.com/tolelom/dagbft/ledger"
	"github.com/tolelom/dagbft/pool"
	"github.com/tolelom/dagbft/primary"
	"github.com/tolelom/dagbft/storage"
	"github.com/tolelom/dagbft/types"
	"github.com/tolelom/dagbft/validator"
	"github.com/tolelom/dagbft/worker"
)

// noopGossip discards every broadcast; the harness drives rounds
// directly rather than over a simulated network, the same shortcut
// primary/primary_test.go takes.
type noopGossip struct{}

func (noopGossip) BroadcastBatchPropose(*types.BatchHeader)        {}
func (noopGossip) BroadcastBatchSign(string, string, string)       {}
func (noopGossip) BroadcastBatchCertified(*types.BatchCertificate) {}

// validatorNode bundles one committee member's worker and primary. All
// nodes in a cluster share a single DAG store, standing in for
// perfectly synchronous certificate gossip: the harness's only
// deliberate simplification of the real delivery model.
type validatorNode struct {
	addr   string
	priv   crypto.PrivateKey
	pool   *pool.Pool
	worker *worker.Worker
	prim   *primary.Primary
}

// cluster is a committee of validatorNodes sharing one DAG, one bft
// Engine, and one ledger Materializer, enough to drive rounds of
// proposal/certification through to committed, materialized blocks.
type cluster struct {
	committee *types.Committee // genesis (round 1) committee, for leader election / availability checks
	cs        *validator.StaticCommitteeSource
	dag       *storage.DAG
	engine    *bft.Engine
	mat       *ledger.Materializer
	nodes     map[string]*validatorNode
	order     []string // deterministic address order, index 0..3
}

// newCluster builds a 4-member committee (equal stake, quorum
// threshold 3, availability threshold 2) with one validatorNode per
// member.
func newCluster() (*cluster, error) {
	type kp struct {
		priv crypto.PrivateKey
		pub  crypto.PublicKey
	}
	var kps []kp
	members := make(map[string]uint64, 4)
	for i := 0; i < 4; i++ {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("generate key pair: %w", err)
		}
		kps = append(kps, kp{priv, pub})
		members[pub.Hex()] = 1
	}

	genesis, err := types.NewCommittee(1, members)
	if err != nil {
		return nil, fmt.Errorf("new committee: %w", err)
	}
	cs := validator.NewStaticCommitteeSource(genesis)

	db := testutil.NewMemDB()
	dag, err := storage.NewDAG(db, cs)
	if err != nil {
		return nil, fmt.Errorf("new dag: %w", err)
	}
	emitter := events.NewEmitter()
	engine := bft.New(dag, emitter)

	blockStore := storage.NewBlockStore(testutil.NewMemDB())
	leaderPriv := kps[0].priv // the materializer signs candidate blocks; any validator key will do for this harness
	mockLedger := ledger.NewMockLedgerService(genesis)

	nodes := make(map[string]*validatorNode, 4)
	var order []string
	for _, k := range kps {
		addr := k.pub.Hex()
		p := pool.New()
		w := worker.New(addr, k.priv, p, nil, nil)
		pr := primary.New(addr, k.priv, dag, w, p, noopGossip{}, emitter, cs, 0, nil)
		nodes[addr] = &validatorNode{addr: addr, priv: k.priv, pool: p, worker: w, prim: pr}
		order = append(order, addr)
	}

	fetcher := &unionFetcher{nodes: nodes}
	mat := ledger.New(blockStore, dag, mockLedger, fetcher, leaderPriv, emitter, 10)
	if err := mat.Init(); err != nil {
		return nil, fmt.Errorf("materializer init: %w", err)
	}

	return &cluster{committee: genesis, cs: cs, dag: dag, engine: engine, mat: mat, nodes: nodes, order: order}, nil
}

// electLeader re-exposes bft.ElectLeader for the scenario tests, so they
// don't need a second import alias for the same call the cluster's
// commit-rule checks already make internally.
func electLeader(committee *types.Committee, round uint64) (string, error) {
	return bft.ElectLeader(committee, round, "")
}

// unionFetcher answers a transmission fetch by checking every node's
// pool in turn, standing in for the worker-to-worker peer fetch
// (sourceWorker is ignored; the harness has no real network to route
// the hint through).
type unionFetcher struct {
	nodes map[string]*validatorNode
}

func (f *unionFetcher) FetchAll(ids []types.TransmissionID, sourceWorker string) ([]*types.Transmission, error) {
	out := make([]*types.Transmission, 0, len(ids))
	for _, id := range ids {
		var found *types.Transmission
		for _, n := range f.nodes {
			if t, ok := n.pool.Get(id); ok {
				found = t
				break
			}
		}
		if found == nil {
			return out, fmt.Errorf("transmission %s not found in any node's pool", id)
		}
		out = append(out, found)
	}
	return out, nil
}

// seedTransmission inserts a fresh transaction transmission into addr's
// pool and returns it, so propose/certify at a round has something to
// batch.
func (c *cluster) seedTransmission(addr string, payload []byte) (*types.Transmission, error) {
	tx := &types.Transmission{ID: types.NewTransmissionID(types.KindTransaction, payload), Payload: payload}
	if result := c.nodes[addr].pool.Insert(tx); result != pool.Inserted {
		return nil, fmt.Errorf("seed transmission for %s: unexpected insert result %v", addr, result)
	}
	return tx, nil
}

// certifyRound drives every node through Propose -> (external signature
// assembly) -> Certify at round, seeding one fresh transmission per
// author first. Returns the certificates indexed by author.
func (c *cluster) certifyRound(round uint64) (map[string]*types.BatchCertificate, error) {
	headers := make(map[string]*types.BatchHeader, len(c.order))
	for _, addr := range c.order {
		if _, err := c.seedTransmission(addr, []byte(fmt.Sprintf("%s-r%d", addr, round))); err != nil {
			return nil, err
		}
		h, err := c.nodes[addr].prim.Propose(round, "")
		if err != nil {
			return nil, fmt.Errorf("propose round %d author %s: %w", round, addr, err)
		}
		headers[addr] = h
	}

	committeeAtRound, err := c.cs.CommitteeAt(round)
	if err != nil {
		return nil, fmt.Errorf("committee at round %d: %w", round, err)
	}

	certs := make(map[string]*types.BatchCertificate, len(c.order))
	for _, addr := range c.order {
		h := headers[addr]
		headerID := h.HeaderID()
		sigs := make(map[string]string, len(c.order))
		for _, signerAddr := range c.order {
			sigs[signerAddr] = crypto.Sign(c.nodes[signerAddr].priv, []byte(headerID))
		}
		cert, err := c.nodes[addr].prim.Certify(round, committeeAtRound, sigs)
		if err != nil {
			return nil, fmt.Errorf("certify round %d author %s: %w", round, addr, err)
		}
		certs[addr] = cert
	}
	return certs, nil
}
