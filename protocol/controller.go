package protocol

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Controller fans the per-peer NodeWorkers' event streams into a single
// ProtocolEvent channel and routes outbound ProtocolCommands to the right
// peer. It implements both ProtocolCommandSender and ProtocolEventReceiver.
type Controller struct {
	messageTimeout    time.Duration
	askPeerListPeriod time.Duration

	mu      sync.RWMutex
	workers map[NodeID]*NodeWorker

	nodeEvents chan NodeEvent
	events     chan ProtocolEvent

	stop chan struct{}
}

// NewController builds a controller and starts its aggregation loop.
func NewController(messageTimeout, askPeerListPeriod time.Duration) *Controller {
	c := &Controller{
		messageTimeout:    messageTimeout,
		askPeerListPeriod: askPeerListPeriod,
		workers:           make(map[NodeID]*NodeWorker),
		nodeEvents:        make(chan NodeEvent, 256),
		events:            make(chan ProtocolEvent, 256),
		stop:              make(chan struct{}),
	}
	go c.aggregate()
	return c
}

// Events implements ProtocolEventReceiver.
func (c *Controller) Events() <-chan ProtocolEvent { return c.events }

// AddPeer registers an already-connected peer and starts its worker.
func (c *Controller) AddPeer(id NodeID, peer *Peer) {
	w := NewNodeWorker(id, peer, c.messageTimeout, c.askPeerListPeriod, c.nodeEvents)
	c.mu.Lock()
	c.workers[id] = w
	c.mu.Unlock()
}

// RemovePeer drops the worker bookkeeping for id (called once its Closed
// event has been observed).
func (c *Controller) RemovePeer(id NodeID) {
	c.mu.Lock()
	delete(c.workers, id)
	c.mu.Unlock()
}

// Shutdown closes every peer worker and stops the aggregation loop.
func (c *Controller) Shutdown() {
	c.mu.RLock()
	workers := make([]*NodeWorker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.RUnlock()
	for _, w := range workers {
		w.Close()
	}
	close(c.stop)
}

// SendCommand implements ProtocolCommandSender: it routes each outbound
// command to the peer(s) it names, or broadcasts propagation commands to
// every connected peer.
func (c *Controller) SendCommand(cmd ProtocolCommand) error {
	switch v := cmd.(type) {
	case PropagateBlockHeaderCmd:
		c.broadcastBlock(v)
		return nil
	case AskForBlockCmd:
		return c.sendTo(v.To, AskForBlockWorkerCmd{Hash: v.Hash})
	case SendBlockCmd:
		return c.sendTo(v.To, SendBlockWorkerCmd{Block: v.Block})
	default:
		return fmt.Errorf("protocol: unknown outbound command %T", cmd)
	}
}

func (c *Controller) broadcastBlock(cmd PropagateBlockHeaderCmd) {
	wc := SendBlockHeaderWorkerCmd{Hash: cmd.Hash, Signature: cmd.Signature, Header: cmd.Header}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, w := range c.workers {
		select {
		case w.Commands() <- wc:
		default:
			log.Printf("[protocol] command queue full for peer, dropping header propagation")
		}
	}
}

func (c *Controller) sendTo(peer NodeID, cmd NodeCommand) error {
	c.mu.RLock()
	w, ok := c.workers[peer]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("protocol: unknown peer %s", peer)
	}
	w.Commands() <- cmd
	return nil
}

func (c *Controller) aggregate() {
	for {
		select {
		case ev := <-c.nodeEvents:
			if pe, ok := toProtocolEvent(ev); ok {
				c.events <- pe
			}
			switch ev.Type {
			case EventClosed:
				c.RemovePeer(ev.Peer)
				log.Printf("[protocol] peer %s closed: %s", ev.Peer, ev.ClosedBy)
			case EventAskedPeerList, EventReceivedPeerList:
				// Peer discovery bookkeeping stays at the protocol layer;
				// the consensus worker never sees these.
			}
		case <-c.stop:
			return
		}
	}
}

func toProtocolEvent(ev NodeEvent) (ProtocolEvent, bool) {
	switch ev.Type {
	case EventReceivedBlock:
		return ReceivedBlockEvent{Src: ev.Peer, Block: ev.Block}, true
	case EventReceivedBlockHeader:
		return ReceivedBlockHeaderEvent{Src: ev.Peer, Hash: ev.Hash, Signature: ev.Signature, Header: ev.Header}, true
	case EventReceivedTx:
		return ReceivedTransactionEvent{Src: ev.Peer, Tx: ev.Tx}, true
	case EventReceivedAskBlock:
		return AskedForBlockEvent{Src: ev.Peer, Hash: ev.Hash}, true
	default:
		return nil, false
	}
}
