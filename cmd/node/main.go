// Command node starts a tolconsensus node: it wires storage, the staker
// selector, the slot clock, the consensus worker and the P2P/RPC surfaces
// together and runs until asked to shut down.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/tolelom/tolconsensus/config"
	"github.com/tolelom/tolconsensus/consensus"
	"github.com/tolelom/tolconsensus/crypto"
	"github.com/tolelom/tolconsensus/crypto/certgen"
	"github.com/tolelom/tolconsensus/events"
	"github.com/tolelom/tolconsensus/protocol"
	"github.com/tolelom/tolconsensus/rpc"
	"github.com/tolelom/tolconsensus/selector"
	"github.com/tolelom/tolconsensus/storage"
	"github.com/tolelom/tolconsensus/timeslot"
	"github.com/tolelom/tolconsensus/vm"
	"github.com/tolelom/tolconsensus/wallet"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "staker.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new staker key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("TOL_PASSWORD")
	if password == "" {
		log.Println("WARNING: TOL_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		priv, pub, err := crypto.GenerateKeyPair()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, priv); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key (staker identity): %s\n", pub.Hex())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- load staker key (optional: block creation can be disabled) ----
	var privKey crypto.PrivateKey
	if !cfg.DisableBlockCreation {
		privKey, err = wallet.LoadKey(*keyPath, password)
		if err != nil {
			log.Fatalf("load key: %v", err)
		}
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()
	blockStore := storage.NewLevelBlockStore(db)

	// ---- events ----
	emitter := events.NewEmitter()
	for _, typ := range []events.EventType{
		events.EventBlockCreated,
		events.EventBlockAcked,
		events.EventBlockFinalized,
		events.EventBlockDiscarded,
		events.EventPeerConnected,
		events.EventPeerClosed,
	} {
		emitter.Subscribe(typ, logEventHandler)
	}

	// ---- slot clock ----
	clock, err := timeslot.NewClock(cfg.ThreadCount, cfg.SlotDuration(), cfg.GenesisTime())
	if err != nil {
		log.Fatalf("clock: %v", err)
	}

	// ---- staker selector ----
	genesisSeed, err := seedFromConfig(cfg)
	if err != nil {
		log.Fatalf("selector seed: %v", err)
	}
	sel, err := selector.New(genesisSeed, cfg.ThreadCount, cfg.ParticipantWeights)
	if err != nil {
		log.Fatalf("selector: %v", err)
	}

	// ---- consensus graph, seeded at genesis; stored finals are only reported ----
	graph := consensus.NewGraph(cfg)
	restoreLatestFinal(blockStore, cfg.ThreadCount)

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	// ---- protocol controller + P2P listener ----
	controller := protocol.NewController(cfg.MessageTimeout(), cfg.AskPeerListInterval())
	defer controller.Shutdown()

	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	listener, err := listenP2P(p2pAddr, tlsCfg)
	if err != nil {
		log.Fatalf("p2p listen: %v", err)
	}
	defer listener.Close()
	go acceptLoop(listener, controller)
	log.Printf("P2P listening on %s", p2pAddr)

	// ---- connect to configured peers ----
	for i, n := range cfg.Nodes {
		if i == cfg.CurrentNodeIndex {
			continue
		}
		peer, err := protocol.Connect(n.PublicKey, n.Addr, tlsCfg)
		if err != nil {
			log.Printf("connect to peer %s (%s): %v", n.PublicKey, n.Addr, err)
			continue
		}
		controller.AddPeer(protocol.NodeID(n.PublicKey), peer)
		log.Printf("Connected to peer %s (%s)", n.PublicKey, n.Addr)
	}

	// ---- consensus worker ----
	worker := consensus.NewWorker(cfg, graph, sel, clock, nil, privKey, controller, controller).
		WithEmitter(emitter).
		WithBlockStore(blockStore).
		WithExecution(vm.Noop{})

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(worker.ControlCh())
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- run the worker loop ----
	var wg sync.WaitGroup
	workerErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		workerErr <- worker.Run()
	}()
	if cfg.DisableBlockCreation {
		log.Println("Consensus running (block creation disabled)")
	} else {
		log.Printf("Consensus running (staker: %s)", privKey.Public().Hex())
	}

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Println("Shutting down...")
		worker.Stop()
	case err := <-workerErr:
		if err != nil {
			log.Printf("consensus worker exited: %v", err)
		}
	}
	wg.Wait()

	// Deferred calls run in LIFO: rpcServer.Stop → listener.Close →
	// controller.Shutdown → db.Close.
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// seedFromConfig derives the selector's PRNG seed from the genesis public
// key, so every node in the network computes identical draws without any
// out-of-band seed distribution.
func seedFromConfig(cfg *config.Config) ([]byte, error) {
	if cfg.GenesisPublicKey == "" {
		return []byte("tolconsensus-dev-genesis-seed"), nil
	}
	pub, err := crypto.PubKeyFromHex(cfg.GenesisPublicKey)
	if err != nil {
		return nil, fmt.Errorf("genesis_public_key: %w", err)
	}
	return []byte(pub), nil
}

// restoreLatestFinal reports what storage has recorded as each thread's
// latest finalized block. Persistent snapshotting of the graph itself is
// out of scope, so a restart still seeds the graph at genesis (NewGraph);
// this only tells the operator how far the chain it is about to re-sync
// had previously gotten.
func restoreLatestFinal(store *storage.LevelBlockStore, threadCount uint8) {
	for thread := uint8(0); thread < threadCount; thread++ {
		hash, slot, ok, err := store.GetLatestFinal(thread)
		if err != nil {
			log.Printf("[node] restore latest final for thread %d failed: %v", thread, err)
			continue
		}
		if !ok {
			continue
		}
		log.Printf("[node] resuming thread %d at finalized slot %s (%s)", thread, slot, hash)
	}
}

// listenP2P opens the P2P TCP listener, upgraded to TLS when tlsCfg is set.
func listenP2P(addr string, tlsCfg *tls.Config) (net.Listener, error) {
	if tlsCfg == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// acceptLoop accepts inbound P2P connections and registers each as a peer
// on controller. The remote node never identifies itself before the
// handshake in this wire format, so the connection's remote address
// stands in as its NodeID until a future message names it properly.
func acceptLoop(listener net.Listener, controller *protocol.Controller) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("[node] p2p accept: %v", err)
			return
		}
		addr := conn.RemoteAddr().String()
		peer := protocol.NewPeer(addr, addr, conn)
		controller.AddPeer(protocol.NodeID(addr), peer)
		log.Printf("[node] inbound peer connected: %s", addr)
	}
}

func logEventHandler(ev events.Event) {
	log.Printf("[event] %s hash=%s slot=%s", ev.Type, ev.Hash, ev.Slot)
}
