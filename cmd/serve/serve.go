// Command serve wires the swarm coordination core into a runnable node: it
// decodes a .torrent file, preallocates the download, resumes whatever
// bitfield and upload total were persisted from a prior run, and drives the
// Swarm Coordinator against inbound and PEX-discovered peers until the
// process receives SIGINT or SIGTERM.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/nilsbren/swarmcore/internal/domain"
	"github.com/nilsbren/swarmcore/internal/filemanager"
	"github.com/nilsbren/swarmcore/internal/logger"
	"github.com/nilsbren/swarmcore/internal/metainfo"
	"github.com/nilsbren/swarmcore/internal/peer"
	"github.com/nilsbren/swarmcore/internal/peeradapter"
	"github.com/nilsbren/swarmcore/internal/persistence"
	"github.com/nilsbren/swarmcore/internal/piecemanager"
	"github.com/nilsbren/swarmcore/internal/portexposer"
	"github.com/nilsbren/swarmcore/internal/statusserver"
	"github.com/nilsbren/swarmcore/internal/swarm"
)

var log = logger.Named("serve")

func main() {
	var torrentPath, downloadDir, statusAddr string
	var startPort, endPort int
	var upnp, dev, sequential bool
	flag.StringVar(&torrentPath, "torrent", "", "path to the .torrent file")
	flag.StringVar(&downloadDir, "output", ".", "directory to download into")
	flag.StringVar(&statusAddr, "status-addr", ":8080", "status/control HTTP listen address")
	flag.IntVar(&startPort, "port-start", 51413, "first inbound port to try")
	flag.IntVar(&endPort, "port-end", 51433, "inbound port range upper bound (exclusive)")
	flag.BoolVar(&upnp, "upnp", true, "attempt a UPnP port mapping for the inbound listener")
	flag.BoolVar(&dev, "dev", false, "use development (console) logging instead of production JSON")
	flag.BoolVar(&sequential, "sequential", false, "select pieces in index order instead of rarest-first")
	flag.Parse()

	if dev {
		logger.SetDevelopment()
	}
	if torrentPath == "" {
		fmt.Fprintln(os.Stderr, "serve: -torrent is required")
		os.Exit(2)
	}

	if err := run(torrentPath, downloadDir, statusAddr, startPort, endPort, upnp, sequential); err != nil {
		log.Sugar().Fatalw("serve exited", "err", err)
	}
}

func run(torrentPath, downloadDir, statusAddr string, startPort, endPort int, upnp, sequential bool) error {
	mi, err := metainfo.DecodeFile(torrentPath)
	if err != nil {
		return fmt.Errorf("decode torrent: %w", err)
	}

	ourID := make([]byte, 20)
	copy(ourID, []byte("-SC0001-"))
	if _, err := rand.Read(ourID[8:]); err != nil {
		return fmt.Errorf("generate peer id: %w", err)
	}

	store, err := persistence.Open(filepath.Join(downloadDir, mi.Name+".skv.db"))
	if err != nil {
		return fmt.Errorf("open persistence store: %w", err)
	}
	defer store.Close()

	fileMgr := filemanager.New(downloadDir, mi.Files, int(mi.PieceLength), len(mi.PieceHashes))
	if err := fileMgr.CreateFiles(); err != nil {
		return fmt.Errorf("preallocate files: %w", err)
	}

	lengths := mi.PieceLengths()
	strategy := piecemanager.RarestFirst
	if sequential {
		strategy = piecemanager.Sequential
	}
	provider := piecemanager.NewTable(lengths)
	pieceMgr := piecemanager.NewWithStrategy(lengths, strategy)

	if bf, ok := store.LoadBitfield(); ok {
		fileMgr.SeedBitfield(bf)
		for idx := range lengths {
			if bf.Get(idx) {
				pieceMgr.MarkLocallyComplete(idx)
			}
		}
		log.Sugar().Infow("resumed from persisted state", "have", bf.Count())
	}

	coord := swarm.New(fileMgr, pieceMgr, provider, int(mi.PieceLength), len(mi.PieceHashes), store.LoadUploadedTotal())
	go coord.Run()

	coord.OnAllComplete(func() {
		log.Sugar().Infow("download complete", "name", mi.Name)
	})
	coord.OnNoActivePeer(func() {
		log.Sugar().Infow("no active peers remain")
	})

	factory := peer.Factory{InfoHash: mi.InfoHash[:], OurID: ourID}
	adapter := peeradapter.New(coord)

	coord.OnNewPeerFound(func(uri string) {
		host, port, err := splitHostPort(uri)
		if err != nil {
			return
		}
		addr, err := domain.ParseAddress(host, port)
		if err != nil {
			return
		}
		adapter.Hook(factory.New(addr))
	})

	inbound, listener, err := factory.Serve(startPort, endPort)
	if err != nil {
		return fmt.Errorf("listen for inbound peers: %w", err)
	}
	defer listener.Close()
	go func() {
		for p := range inbound {
			adapter.HookInbound(p)
		}
	}()

	if upnp {
		localPort := listener.Addr().(*net.TCPAddr).Port
		exposer := portexposer.New(uint16(localPort))
		if err := exposer.Start(); err != nil {
			log.Sugar().Infow("UPnP mapping failed, continuing without it", "err", err)
		} else {
			defer exposer.Stop()
		}
	}

	status := statusserver.New(coord)
	status.Start(statusAddr)
	defer status.Stop()

	stopPersist := persistPeriodically(store, coord, fileMgr, 30*time.Second)
	defer stopPersist()

	waitForSignal()

	persistNow(store, coord, fileMgr)
	coord.Dispose()
	return nil
}

func persistPeriodically(store *persistence.Store, coord *swarm.Coordinator, fileMgr *filemanager.Manager, every time.Duration) func() {
	ticker := time.NewTicker(every)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				persistNow(store, coord, fileMgr)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

func persistNow(store *persistence.Store, coord *swarm.Coordinator, fileMgr *filemanager.Manager) {
	store.SaveBitfield(fileMgr.LocalBitfield())
	store.SaveUploadedTotal(coord.Status().UploadedTotal)
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}

func splitHostPort(addr string) (host string, port uint16, err error) {
	h, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return h, uint16(p), nil
}
