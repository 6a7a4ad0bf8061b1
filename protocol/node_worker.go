package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tolelom/tolconsensus/model"
)

// NodeCommand is the sealed inbox of a NodeWorker.
type NodeCommand interface {
	isNodeCommand()
}

// SendPeerListCmd asks the worker to send our known peer addresses.
type SendPeerListCmd struct{ IPs []string }

func (SendPeerListCmd) isNodeCommand() {}

// SendBlockWorkerCmd asks the worker to send a full block. Named distinctly
// from protocol.SendBlockCmd, which additionally carries the destination
// peer: this one is already scoped to a single NodeWorker's peer.
type SendBlockWorkerCmd struct{ Block *model.Block }

func (SendBlockWorkerCmd) isNodeCommand() {}

// SendTransactionCmd asks the worker to forward a transaction payload.
type SendTransactionCmd struct{ Tx []byte }

func (SendTransactionCmd) isNodeCommand() {}

// AskForBlockWorkerCmd asks the worker to request a block body by hash.
type AskForBlockWorkerCmd struct{ Hash model.Hash }

func (AskForBlockWorkerCmd) isNodeCommand() {}

// SendBlockHeaderWorkerCmd asks the worker to propagate a bare header+
// signature, ahead of the body, the way propagate_block_header does.
type SendBlockHeaderWorkerCmd struct {
	Hash      model.Hash
	Signature string
	Header    model.BlockHeader
}

func (SendBlockHeaderWorkerCmd) isNodeCommand() {}

type wireBlockHeader struct {
	Hash      model.Hash        `json:"hash"`
	Signature string            `json:"signature"`
	Header    model.BlockHeader `json:"header"`
}

// CloseCmd asks the worker to shut down gracefully.
type CloseCmd struct{}

func (CloseCmd) isNodeCommand() {}

// NodeEventType tags a NodeEvent without requiring a type switch at every
// call site, mirroring the MsgType wire-enum style.
type NodeEventType string

const (
	EventAskedPeerList       NodeEventType = "asked_peer_list"
	EventReceivedPeerList    NodeEventType = "received_peer_list"
	EventReceivedBlock       NodeEventType = "received_block"
	EventReceivedBlockHeader NodeEventType = "received_block_header"
	EventReceivedTx          NodeEventType = "received_transaction"
	EventReceivedAskBlock    NodeEventType = "received_ask_for_block"
	EventClosed              NodeEventType = "closed"
)

// CloseReason tags why a NodeWorker stopped.
type CloseReason string

const (
	Normal CloseReason = "normal"
	Failed CloseReason = "failed"
)

// NodeEvent is one outbox item from a NodeWorker, tagged with the peer's
// NodeID so a controller aggregating many workers can attribute it.
type NodeEvent struct {
	Type      NodeEventType
	Peer      NodeID
	IPs       []string
	Block     *model.Block
	Hash      model.Hash
	Signature string
	Header    model.BlockHeader
	Tx        []byte
	ClosedBy  CloseReason
}

// NodeWorker owns one peer connection: a reader loop translating wire
// messages into NodeEvents, and a companion writer goroutine draining a
// bounded command queue so a slow peer cannot block the reader.
type NodeWorker struct {
	id                uuid.UUID
	peerID            NodeID
	peer              *Peer
	messageTimeout    time.Duration
	askPeerListPeriod time.Duration

	commands chan NodeCommand
	events   chan NodeEvent

	cancel context.CancelFunc
}

const commandQueueCapacity = 1024

// NewNodeWorker starts a worker for an already-connected peer. events must
// be read by the caller (typically a Controller) or the worker will block
// once its internal buffer fills.
func NewNodeWorker(peerID NodeID, peer *Peer, messageTimeout, askPeerListPeriod time.Duration, events chan NodeEvent) *NodeWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &NodeWorker{
		id:                uuid.New(),
		peerID:            peerID,
		peer:              peer,
		messageTimeout:    messageTimeout,
		askPeerListPeriod: askPeerListPeriod,
		commands:          make(chan NodeCommand, commandQueueCapacity),
		events:            events,
		cancel:            cancel,
	}
	go w.run(ctx)
	return w
}

// Commands returns the command inbox so a controller can route
// SendPeerList/SendBlock/SendTransaction/Close to this peer.
func (w *NodeWorker) Commands() chan<- NodeCommand { return w.commands }

// Close requests graceful shutdown.
func (w *NodeWorker) Close() { w.commands <- CloseCmd{} }

func (w *NodeWorker) run(ctx context.Context) {
	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()

	g, gctx := errgroup.WithContext(ctx)
	reason := Normal
	writerErrCh := make(chan error, 1)
	closeRequested := make(chan struct{})

	// Companion writer task: owns the write half of the connection
	// exclusively, draining the bounded command queue so a stalled peer
	// blocks only writes to it, never the reader below.
	g.Go(func() error {
		ticker := time.NewTicker(w.askPeerListPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.peer.Send(Message{Type: MsgAskPeerList}, w.messageTimeout); err != nil {
					writerErrCh <- fmt.Errorf("ask_peer_list: %w", err)
					return nil
				}
			case cmd := <-w.commands:
				if _, ok := cmd.(CloseCmd); ok {
					close(closeRequested)
					return nil
				}
				if err := w.writeCommand(cmd); err != nil {
					writerErrCh <- err
					return nil
				}
			case <-readerCtx.Done():
				return nil
			}
		}
	})

	incoming := make(chan Message)
	readErrCh := make(chan error, 1)
	g.Go(func() error {
		defer close(incoming)
		for {
			msg, err := w.peer.Receive()
			if err != nil {
				readErrCh <- err
				return nil
			}
			select {
			case incoming <- msg:
			case <-readerCtx.Done():
				return nil
			}
		}
	})

loop:
	for {
		select {
		case <-closeRequested:
			reason = Normal
			break loop

		case err := <-writerErrCh:
			log.Printf("[protocol] worker %s: write failed: %v", w.id, err)
			reason = Failed
			break loop

		case msg, ok := <-incoming:
			if !ok {
				select {
				case err := <-readErrCh:
					if err != nil {
						reason = Failed
					}
				default:
				}
				break loop
			}
			if !w.dispatch(msg) {
				reason = Failed
				break loop
			}

		case <-gctx.Done():
			reason = Failed
			break loop
		}
	}

	cancelReader()
	w.peer.Close()
	_ = g.Wait()

	w.events <- NodeEvent{Type: EventClosed, Peer: w.peerID, ClosedBy: reason}
}

func (w *NodeWorker) writeCommand(cmd NodeCommand) error {
	switch c := cmd.(type) {
	case SendPeerListCmd:
		return w.sendJSON(MsgPeerList, c.IPs)
	case SendBlockWorkerCmd:
		return w.sendJSON(MsgBlock, c.Block)
	case SendTransactionCmd:
		return w.peer.Send(Message{Type: MsgTransaction, Payload: c.Tx}, w.messageTimeout)
	case AskForBlockWorkerCmd:
		return w.sendJSON(MsgAskForBlock, c.Hash)
	case SendBlockHeaderWorkerCmd:
		return w.sendJSON(MsgBlockHeader, wireBlockHeader{Hash: c.Hash, Signature: c.Signature, Header: c.Header})
	default:
		return fmt.Errorf("protocol: unknown node command %T", cmd)
	}
}

func (w *NodeWorker) sendJSON(t MsgType, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: marshal %s payload: %w", t, err)
	}
	return w.peer.Send(Message{Type: t, Payload: data}, w.messageTimeout)
}

// dispatch turns one wire message into a NodeEvent. It returns false on a
// malformed or unexpected message kind, signaling the caller to close with
// reason Failed.
func (w *NodeWorker) dispatch(msg Message) bool {
	switch msg.Type {
	case MsgAskPeerList:
		w.events <- NodeEvent{Type: EventAskedPeerList, Peer: w.peerID}
	case MsgPeerList:
		var ips []string
		if err := json.Unmarshal(msg.Payload, &ips); err != nil {
			return false
		}
		w.events <- NodeEvent{Type: EventReceivedPeerList, Peer: w.peerID, IPs: ips}
	case MsgBlock:
		var block model.Block
		if err := json.Unmarshal(msg.Payload, &block); err != nil {
			return false
		}
		w.events <- NodeEvent{Type: EventReceivedBlock, Peer: w.peerID, Block: &block}
	case MsgAskForBlock:
		var hash model.Hash
		if err := json.Unmarshal(msg.Payload, &hash); err != nil {
			return false
		}
		w.events <- NodeEvent{Type: EventReceivedAskBlock, Peer: w.peerID, Hash: hash}
	case MsgBlockHeader:
		var wh wireBlockHeader
		if err := json.Unmarshal(msg.Payload, &wh); err != nil {
			return false
		}
		w.events <- NodeEvent{Type: EventReceivedBlockHeader, Peer: w.peerID, Hash: wh.Hash, Signature: wh.Signature, Header: wh.Header}
	case MsgTransaction:
		w.events <- NodeEvent{Type: EventReceivedTx, Peer: w.peerID, Tx: append([]byte(nil), msg.Payload...)}
	default:
		return false
	}
	return true
}
