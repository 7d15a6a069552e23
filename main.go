package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/troydota/api.vote.komodohype.dev/configure"
	"github.com/troydota/api.vote.komodohype.dev/guard"
	"github.com/troydota/api.vote.komodohype.dev/metrics"
	"github.com/troydota/api.vote.komodohype.dev/mongo"
	"github.com/troydota/api.vote.komodohype.dev/polls"
	"github.com/troydota/api.vote.komodohype.dev/redis"
	"github.com/troydota/api.vote.komodohype.dev/server"
	"github.com/troydota/api.vote.komodohype.dev/server/gql/resolvers"
	"github.com/troydota/api.vote.komodohype.dev/sqlstore"
)

func checkErr(err error) {
	if err != nil {
		log.Fatalf("startup, err=%v", err)
	}
}

// openStore returns the configured store and a function releasing it.
func openStore(ctx context.Context, cfg configure.ServerCfg) (polls.Store, func() error, error) {
	switch cfg.StoreDriver {
	case "sqlite", "postgres":
		s, err := sqlstore.Open(ctx, sqlstore.Dialect(cfg.StoreDriver), cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "mongo":
		s, err := mongo.Open(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return s.Close(context.Background()) }, nil
	}
	return nil, nil, errors.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func main() {
	log.Infoln("Application Starting...")

	checkErr(configure.Load(os.Args[1:]))
	cfg, err := configure.Current()
	checkErr(err)

	configCode := cfg.ExitCode
	if configCode > 125 || configCode < 0 {
		log.Warnf("Invalid exit code specified in config (%v), using 0 as new exit code.", configCode)
		configCode = 0
	}

	if cfg.JWTSecret == "" {
		checkErr(errors.New("jwt_secret must be set"))
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, closeStore, err := openStore(startCtx, cfg)
	checkErr(err)

	var cache polls.TallyCache
	if cfg.RedisURI != "" {
		client, err := redis.NewClient(startCtx, cfg.RedisURI)
		checkErr(err)
		cache = redis.NewTallyCache(client, cfg.TallyCacheTTL)
	} else {
		log.Info("redis_uri is empty, tally cache disabled")
	}
	cancel()

	engine := polls.NewEngine(store, polls.WithCache(cache), polls.WithTimeout(cfg.StorageTimeout))
	projector := polls.NewProjector(store, cache, cfg.StorageTimeout)
	service := polls.NewService(store, cache, cfg.StorageTimeout)
	m := metrics.New()

	s := server.New(resolvers.New(engine, projector, service, m), guard.New(cfg.JWTSecret), m)
	checkErr(s.Listen(cfg.ListenerNetwork, cfg.ListenerAddress))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-c
		log.Infof("sig=%v, gracefully shutting down...", sig)
		start := time.Now().UnixNano()

		wg := sync.WaitGroup{}
		wg.Add(1)

		go func() {
			defer wg.Done()
			if err := s.Shutdown(); err != nil {
				log.Errorf("server, shutdown=%v", err)
			}
			if err := closeStore(); err != nil {
				log.Errorf("store, shutdown=%v", err)
			}
		}()

		wg.Wait()

		log.Infof("Shutdown took, %.2fms", float64(time.Now().UnixNano()-start)/10e5)
		os.Exit(configCode)
	}()

	log.Infoln("Application Started.")

	select {}
}
