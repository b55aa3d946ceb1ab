package ws

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/astraly-labs/pragma-node/internal/merkle"
	"github.com/astraly-labs/pragma-node/internal/oracle"
	"github.com/astraly-labs/pragma-node/internal/sched"
)

type merkleUpdate struct {
	Network     string `json:"network"`
	BlockNumber uint64 `json:"block_number"`
	MerkleRoot  string `json:"merkle_root"`
}

// ServeMerkleFeed runs one Merkle-feed session. A subscribe frame with a
// network starts (block, root) updates at cadence; a subscribe frame that
// also names an instrument is answered with that instrument's inclusion
// proof from the cache.
func (c *Channels) ServeMerkleFeed(w http.ResponseWriter, r *http.Request) {
	sess, ok := c.upgrade(w, r, "merkle")
	if !ok {
		return
	}
	defer c.release("merkle", sess)

	go sess.writePump()

	var mu sync.Mutex
	network := ""
	ticking := false

	for {
		frame, ok := sess.readFrame()
		if !ok {
			return
		}
		if frame == nil {
			sess.enqueue(errorFrame(oracle.InvalidInput("malformed frame")))
			continue
		}
		switch frame.Type {
		case TypeSubscribe:
			if frame.Network == "" {
				sess.enqueue(errorFrame(oracle.InvalidInput("subscribe carries no network")))
				continue
			}
			if frame.Instrument != "" {
				c.serveProof(sess, frame)
				continue
			}
			mu.Lock()
			network = frame.Network
			startTicks := !ticking
			ticking = true
			mu.Unlock()
			if startTicks {
				go c.merkleTicks(sess, &mu, &network)
			}
			sess.enqueue(ackFrame(map[string]any{"network": frame.Network}))
		case TypeUnsubscribe:
			mu.Lock()
			network = ""
			mu.Unlock()
			sess.enqueue(ackFrame(map[string]any{"network": ""}))
		case TypePing:
			sess.enqueue(ServerFrame{Type: TypePong})
		default:
			sess.enqueue(errorFrame(oracle.InvalidInput("unexpected frame type %q", frame.Type)))
		}
	}
}

func (c *Channels) serveProof(sess *session, frame *ClientFrame) {
	block := merkle.PendingBlock
	if frame.Block != "" && frame.Block != "pending" {
		b, err := strconv.ParseUint(frame.Block, 10, 64)
		if err != nil {
			sess.enqueue(errorFrame(oracle.InvalidInput("malformed block %q", frame.Block)))
			return
		}
		block = b
	}
	ctx, cancel := context.WithTimeout(sess.ctx, c.Cadence*4)
	defer cancel()
	proof, err := c.Merkle.GetProof(ctx, frame.Network, block, frame.Instrument)
	if err != nil {
		sess.enqueue(errorFrame(err))
		return
	}
	path := make([]string, len(proof.Path))
	for i, step := range proof.Path {
		path[i] = "0x" + step.Hash.Text(16)
	}
	sess.enqueue(ackFrame(map[string]any{
		"instrument":   proof.Option.Instrument,
		"price":        proof.Option.Price.String(),
		"leaf_hash":    "0x" + proof.Leaf.Text(16),
		"merkle_root":  "0x" + proof.Root.Text(16),
		"leaf_index":   proof.Index,
		"merkle_proof": path,
		"block_number": proof.Option.BlockNumber,
	}))
}

// merkleTicks emits the pending tree's (block, root) at cadence. The cache's
// pending TTL bounds rebuild frequency, so most ticks are lookups.
func (c *Channels) merkleTicks(sess *session, mu *sync.Mutex, network *string) {
	ticker := sched.NewTicker(sess.ctx, c.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			net := *network
			mu.Unlock()
			if net == "" {
				continue
			}
			ctx, cancel := context.WithTimeout(sess.ctx, c.Cadence)
			tree, err := c.Merkle.Tree(ctx, net, merkle.PendingBlock)
			cancel()
			if err != nil {
				continue
			}
			sess.enqueue(updateFrame(merkleUpdate{
				Network:     net,
				BlockNumber: tree.Block,
				MerkleRoot:  "0x" + tree.Root.Text(16),
			}))
		}
	}
}
