package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"chronicles/internal/chunklog"
	"chronicles/internal/commitbus"
	"chronicles/internal/config"
	"chronicles/internal/coordinator"
	"chronicles/internal/ingest/kafka"
	"chronicles/internal/ingest/rabbitmq"
	"chronicles/internal/metastore"
	"chronicles/internal/obslog"
	"chronicles/internal/persistent"
	"chronicles/internal/reader"
	"chronicles/internal/streamindex"
	"chronicles/internal/subscription"
	"chronicles/internal/wire"
)

func main() {
	cfgPath := flag.String("config", "chronicles.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obslog.New("chroniclesd", obslog.LevelInfo)
	logger.Infof("starting node=%s data_dir=%s wire=%s", cfg.Server.NodeID, cfg.Storage.DataDir, cfg.Wire.Address)

	logDir := filepath.Join(cfg.Storage.DataDir, "chunklog")
	chunkLog, truncations, err := chunklog.Open(logDir, cfg.Storage.ChunkSize)
	if err != nil {
		log.Fatalf("open chunklog: %v", err)
	}
	defer chunkLog.Close()
	for _, t := range truncations {
		logger.Warningf("repaired torn write: chunk=%d from_offset=%d discarded=%d", t.Chunk, t.FromOffset, t.DiscardedLen)
	}

	recordStreamOf := func(position int64) (string, error) {
		recType, payload, _, err := chunkLog.ReadRecord(position)
		if err != nil {
			return "", err
		}
		if recType != chunklog.RecordTypePrepare {
			return "", fmt.Errorf("position %d is not a prepare record", position)
		}
		pr, err := chunklog.DecodePrepare(payload)
		if err != nil {
			return "", err
		}
		return pr.StreamID, nil
	}

	indexDir := filepath.Join(cfg.Storage.DataDir, "streamindex")
	index, err := streamindex.Open(indexDir, recordStreamOf)
	if err != nil {
		log.Fatalf("open streamindex: %v", err)
	}

	metaPath := cfg.Storage.MetaStorePath
	if metaPath == "" {
		metaPath = filepath.Join(cfg.Storage.DataDir, "metastore.db")
	}
	metaStore, err := metastore.Open(metaPath)
	if err != nil {
		log.Fatalf("open metastore: %v", err)
	}
	defer metaStore.Close()

	bus := commitbus.New()

	writeMode := coordinator.WriteModeSynchronous
	if cfg.Coordinator.WriteMode == "batched" {
		writeMode = coordinator.WriteModeBatched
	}
	coord := coordinator.New(chunkLog, index, bus, writeMode)

	rd := reader.New(chunkLog, index, metaStore)
	dispatcher := subscription.New(bus, rd, subscription.Config{
		MaxSubscribers:      cfg.Subscription.MaxSubscribers,
		SendCheckpointEvery: cfg.Subscription.SendCheckpointEvery,
	})
	persistentEngine := persistent.New(rd, coord)

	handler := &wire.Handler{Coord: coord, Reader: rd, Dispatcher: dispatcher, Persistent: persistentEngine}

	var adapters []adapterHandle
	if cfg.Ingest.Kafka.Enabled {
		kcfg := cfg.Ingest.Kafka
		a, err := kafka.NewAdapter(kafka.Config{
			Enabled:        kcfg.Enabled,
			Brokers:        kcfg.Brokers,
			Topics:         kcfg.Topics,
			GroupID:        kcfg.GroupID,
			ClientID:       kcfg.ClientID,
			WorkerCount:    kcfg.WorkerCount,
			MaxPollRecords: kcfg.MaxPollRecords,
			QueueCapacity:  kcfg.QueueCapacity,
			ParseMode:      kcfg.ParseMode,
		}, coord)
		if err != nil {
			log.Fatalf("init kafka adapter: %v", err)
		}
		adapters = append(adapters, adapterHandle{name: "kafka", start: a.Start})
	}
	if cfg.Ingest.RabbitMQ.Enabled {
		rcfg := cfg.Ingest.RabbitMQ
		a, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       rcfg.Enabled,
			URL:           rcfg.URL,
			Exchange:      rcfg.Exchange,
			Queue:         rcfg.Queue,
			RoutingKeys:   rcfg.RoutingKeys,
			ConsumerTag:   rcfg.ConsumerTag,
			PrefetchCount: rcfg.PrefetchCount,
			ManualAck:     true,
			Workers:       rcfg.Workers,
			DeliveryQueue: rcfg.DeliveryQueue,
		}, coord)
		if err != nil {
			log.Fatalf("init rabbitmq adapter: %v", err)
		}
		adapters = append(adapters, adapterHandle{name: "rabbitmq", start: a.Start})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for _, a := range adapters {
		a := a
		go func() {
			if err := a.start(ctx); err != nil && ctx.Err() == nil {
				logger.Errorf("%s adapter stopped: %v", a.name, err)
			}
		}()
	}

	if !cfg.Wire.Enabled {
		logger.Info("wire listener disabled, idling until signal")
		<-ctx.Done()
		return
	}

	srv := wire.NewServer(wire.Config{
		Network:          cfg.Wire.Network,
		Address:          cfg.Wire.Address,
		UnixSocketPath:   cfg.Wire.UnixSocketPath,
		AuthToken:        cfg.Wire.AuthToken,
		MaxInflight:      cfg.Wire.MaxInflight,
		GlobalQueueLimit: cfg.Wire.GlobalQueueLimit,
	}, handler)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(ctx) }()
	logger.Infof("listening network=%s address=%s", cfg.Wire.Network, cfg.Wire.Address)

	select {
	case err := <-serveErr:
		if err != nil && ctx.Err() == nil {
			log.Fatalf("wire server stopped: %v", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		_ = srv.Close()
		<-serveErr
	}
}

type adapterHandle struct {
	name  string
	start func(context.Context) error
}
