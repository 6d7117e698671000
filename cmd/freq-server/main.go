// main.go is the entry point for the freq server. It wires together the
// storage layer, snapshot persistence, and network server, and manages the
// operational lifecycle including background maintenance tasks.
//
// Startup Sequence
// ================
//
// First, we create the empty in-memory Store. Then loadSnapshot() reads the
// snapshot file (if it exists) and populates the store. This happens before
// any network listeners are active, so there's no need for locking during
// the load phase. Only after the state is fully restored does the server
// start accepting client connections.
//
// Durability Policy
// =================
//
// The server persists through periodic snapshots, not a per-write journal.
// A background goroutine writes the full store to disk every
// -snapshot-interval (default 5 minutes), and a final snapshot is written on
// graceful shutdown. This means:
//
//   - A crash or power failure loses at most one interval of recent writes.
//   - The write path never touches the disk, so update throughput is bounded
//     by the CPU, not by fsync latency.
//
// Clients that need a synchronous checkpoint can issue SAVE. Frequency
// sketches are approximate to begin with, so trading a bounded window of
// recent updates for a simpler and faster write path is a reasonable deal;
// workloads that cannot accept it should lower the interval.
//
// Graceful Shutdown
// =================
//
// On exit (SIGINT/SIGTERM), the listener closes, in-flight commands drain
// (bounded by -shutdown-timeout), and a final snapshot is written so the
// next startup sees every acknowledged write.

package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

type config struct {
	port              int
	maxConnections    int
	shutdownTimeout   time.Duration
	idleTimeout       time.Duration
	defaultMaxMapSize int
	snapshotFile      string
	snapshotInterval  time.Duration
}

type application struct {
	config      config
	logger      *slog.Logger
	listener    net.Listener
	store       *Store
	router      *Router
	metrics     *Metrics
	readyCh     chan struct{}
	wg          sync.WaitGroup
	connLimiter chan struct{}
	saveMu      sync.Mutex
}

func main() {
	var cfg config

	flag.IntVar(&cfg.port, "port", 6479, "TCP server port")
	flag.IntVar(&cfg.maxConnections, "max-conn", 100, "Maximum concurrent connections")
	flag.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", 0, "Idle client connection timeout (0 for no timeout)")
	flag.IntVar(&cfg.defaultMaxMapSize, "default-max-map-size", 1024, "Max map size for sketches auto-created by FREQ.ADD/FREQ.INCRBY (power of two)")
	flag.StringVar(&cfg.snapshotFile, "snapshot", "snapshot.frq", "Snapshot file path (empty disables persistence)")
	flag.DurationVar(&cfg.snapshotInterval, "snapshot-interval", 5*time.Minute, "Background snapshot interval (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	app := &application{
		config:      cfg,
		logger:      logger,
		store:       NewStore(),
		metrics:     NewMetrics(),
		connLimiter: make(chan struct{}, cfg.maxConnections),
	}

	app.router = app.commands()

	if cfg.snapshotFile != "" {
		if err := app.loadSnapshot(); err != nil {
			logger.Error("failed to load snapshot", "error", err)
			os.Exit(1) // Fatal: a corrupt snapshot implies data loss risk
		}
	}

	// Background Snapshot Loop
	//
	// Writes the full store to disk on every tick. saveSnapshot holds its own
	// lock, so an overlapping SAVE command just makes one of the two writers
	// wait; they never interleave.
	if cfg.snapshotFile != "" && cfg.snapshotInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.snapshotInterval)
			defer ticker.Stop()

			for range ticker.C {
				if err := app.saveSnapshot(); err != nil {
					logger.Error("background snapshot failed", "error", err)
				}
			}
		}()
	}

	// Final snapshot on exit, whether from a signal or a clean return. This
	// is best-effort: if it fails, the previous snapshot on disk is still
	// valid, just older.
	defer func() {
		if cfg.snapshotFile == "" {
			return
		}
		logger.Info("shutting down, writing final snapshot...")
		if err := app.saveSnapshot(); err != nil {
			logger.Error("failed to write final snapshot", "error", err)
		}
	}()

	if err := app.serve(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
