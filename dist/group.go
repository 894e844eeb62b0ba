// Package dist provides the data-parallel replica group. Every replica
// runs the same training step on its shard; the group averages gradients
// across replicas between backward and each optimizer step, so optimizer
// updates stay identical everywhere. Transport is TCP with gob-encoded
// tensors: rank 0 listens at the rendezvous address, gathers, averages
// and broadcasts; other ranks hold one persistent connection to it.
package dist

import (
	"encoding/gob"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	torch "github.com/wangkuiyi/gotorch"
)

// Group synchronizes gradients across replicas. AllReduce replaces every
// tensor's data with the element-wise mean over all replicas and returns
// only when every replica has contributed: an all-or-nothing barrier.
type Group interface {
	Rank() int
	WorldSize() int
	AllReduce(grads []torch.Tensor) error
	Close() error
}

// Noop is the single-process group. The training steps call it
// unconditionally so the same step logic runs replicated or not.
type Noop struct{}

func (Noop) Rank() int                          { return 0 }
func (Noop) WorldSize() int                     { return 1 }
func (Noop) AllReduce(grads []torch.Tensor) error { return nil }
func (Noop) Close() error                       { return nil }

// TCPGroup is the replicated implementation.
type TCPGroup struct {
	rank   int
	world  int
	device torch.Device
	cpu    torch.Device

	listener net.Listener
	peers    []peer    // rank 0 only, one per other rank
	root     *peer     // ranks > 0 only
}

type peer struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

// New builds the group for the run: Noop when worldSize <= 1, otherwise a
// TCP group bootstrapped at rendezvous. Bootstrap dials with exponential
// backoff; a replica that cannot reach rank 0 within the backoff budget
// fails the run.
func New(rank, worldSize int, rendezvous string, device torch.Device) (Group, error) {
	if worldSize <= 1 {
		return Noop{}, nil
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("rank %d out of range for world size %d", rank, worldSize)
	}
	g := &TCPGroup{
		rank:   rank,
		world:  worldSize,
		device: device,
		cpu:    torch.NewDevice("cpu"),
	}
	if rank == 0 {
		if err := g.bootstrapRoot(rendezvous); err != nil {
			return nil, err
		}
		return g, nil
	}
	if err := g.bootstrapPeer(rendezvous); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *TCPGroup) bootstrapRoot(rendezvous string) error {
	listener, err := net.Listen("tcp", rendezvous)
	if err != nil {
		return fmt.Errorf("rendezvous listen %s: %w", rendezvous, err)
	}
	g.listener = listener
	g.peers = make([]peer, g.world-1)
	seen := make(map[int]bool)
	for i := 0; i < g.world-1; i++ {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("rendezvous accept: %w", err)
		}
		p := peer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
		var rank int
		if err := p.dec.Decode(&rank); err != nil {
			return fmt.Errorf("rendezvous handshake: %w", err)
		}
		if rank < 1 || rank >= g.world || seen[rank] {
			return fmt.Errorf("rendezvous handshake: bad rank %d", rank)
		}
		seen[rank] = true
		g.peers[rank-1] = p
	}
	return nil
}

func (g *TCPGroup) bootstrapPeer(rendezvous string) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 2 * time.Minute
	var conn net.Conn
	err := backoff.Retry(func() error {
		var err error
		conn, err = net.Dial("tcp", rendezvous)
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("dial rendezvous %s from rank %d: %w", rendezvous, g.rank, err)
	}
	p := peer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
	if err := p.enc.Encode(g.rank); err != nil {
		return fmt.Errorf("rendezvous handshake from rank %d: %w", g.rank, err)
	}
	g.root = &p
	return nil
}

func (g *TCPGroup) Rank() int      { return g.rank }
func (g *TCPGroup) WorldSize() int { return g.world }

// AllReduce averages grads element-wise across all replicas and writes
// the result back into every tensor. Tensors cross the wire on CPU.
func (g *TCPGroup) AllReduce(grads []torch.Tensor) error {
	local := make([]torch.Tensor, len(grads))
	for i, t := range grads {
		local[i] = t.To(g.cpu, t.Dtype())
	}
	if g.rank == 0 {
		return g.reduceRoot(grads, local)
	}
	if err := g.root.enc.Encode(local); err != nil {
		return fmt.Errorf("rank %d send gradients: %w", g.rank, err)
	}
	var avg []torch.Tensor
	if err := g.root.dec.Decode(&avg); err != nil {
		return fmt.Errorf("rank %d receive averaged gradients: %w", g.rank, err)
	}
	g.apply(grads, avg)
	return nil
}

func (g *TCPGroup) reduceRoot(grads, sum []torch.Tensor) error {
	for _, p := range g.peers {
		var remote []torch.Tensor
		if err := p.dec.Decode(&remote); err != nil {
			return fmt.Errorf("rank 0 gather: %w", err)
		}
		if len(remote) != len(sum) {
			return fmt.Errorf("rank 0 gather: got %d tensors, want %d", len(remote), len(sum))
		}
		for i := range sum {
			sum[i] = torch.Add(sum[i], remote[i], 1)
		}
	}
	inv := 1 / float32(g.world)
	for i := range sum {
		sum[i] = sum[i].Mul(torch.Full(sum[i].Shape(), inv, false))
	}
	for _, p := range g.peers {
		if err := p.enc.Encode(sum); err != nil {
			return fmt.Errorf("rank 0 broadcast: %w", err)
		}
	}
	g.apply(grads, sum)
	return nil
}

func (g *TCPGroup) apply(grads, avg []torch.Tensor) {
	for i, t := range grads {
		t.SetData(avg[i].To(g.device, t.Dtype()))
	}
}

func (g *TCPGroup) Close() error {
	if g.root != nil {
		g.root.conn.Close()
	}
	for _, p := range g.peers {
		if p.conn != nil {
			p.conn.Close()
		}
	}
	if g.listener != nil {
		return g.listener.Close()
	}
	return nil
}
