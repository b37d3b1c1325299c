package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sable-db/sable/cfg"
	"github.com/sable-db/sable/db"
	"github.com/sable-db/sable/gate"
	"github.com/sable-db/sable/hlc"
	"github.com/sable-db/sable/nodes"
	"github.com/sable-db/sable/publisher"
	_ "github.com/sable-db/sable/publisher/sink"
	"github.com/sable-db/sable/queue"
	"github.com/sable-db/sable/schema"
	"github.com/sable-db/sable/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Sable - Multi-Master Replication Write Gate")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()
	telemetry.Serve()

	clock := hlc.NewClock(cfg.Config.NodeID)

	conn, err := db.Open(cfg.DatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
		return
	}
	defer conn.Close()

	if err := queue.Bootstrap(conn); err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap queue tables")
		return
	}

	registry := nodes.NewRegistry(conn, cfg.Config.NodeName)
	if err := registry.Bootstrap(); err != nil {
		log.Fatal().Err(err).Msg("Failed to bootstrap node registry")
		return
	}

	schemas, err := schema.NewCache(conn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create schema cache")
		return
	}

	ddlLocks := gate.NewDDLLockManager(time.Duration(cfg.Config.DDL.LockLeaseSeconds) * time.Second)
	writeGate := gate.NewWriteGate("main", schemas, ddlLocks, registry.LocalReadOnly)

	commandQueue := queue.NewCommandQueue(clock)
	truncates := queue.NewTruncateBatcher(commandQueue)

	engine := db.NewEngine(db.EngineConfig{
		Conn:      conn,
		Clock:     clock,
		Gate:      writeGate,
		Queue:     commandQueue,
		Truncates: truncates,
		Schemas:   schemas,
	})
	_ = engine // transactions are opened per embedding caller

	// Expired DDL leases are reclaimed in the background
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Config.DDL.LockLeaseSeconds) * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			ddlLocks.CleanupExpiredLocks()
		}
	}()

	var pubRegistry *publisher.Registry
	if len(cfg.Config.Sinks) > 0 {
		source, err := publisher.NewSource(conn, cfg.Config.NodeID)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create publish source")
			return
		}
		pubRegistry, err = publisher.NewRegistry(source, cfg.Config.Sinks)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create publisher registry")
			return
		}
		if err := pubRegistry.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start publishers")
			return
		}
		defer pubRegistry.Stop()
	}

	log.Info().
		Str("node", cfg.Config.NodeName).
		Str("database", cfg.DatabasePath()).
		Int("sinks", len(cfg.Config.Sinks)).
		Msg("Sable started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutting down")
}
