package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/agentcomm/acp/config"
	"github.com/agentcomm/acp/example"
	runmongo "github.com/agentcomm/acp/features/run/mongo"
	runmongoc "github.com/agentcomm/acp/features/run/mongo/clients/mongo"
	sessionmongo "github.com/agentcomm/acp/features/session/mongo"
	sessionmongoc "github.com/agentcomm/acp/features/session/mongo/clients/mongo"
	streampulse "github.com/agentcomm/acp/features/stream/pulse"
	pulsec "github.com/agentcomm/acp/features/stream/pulse/clients/pulse"
	"github.com/agentcomm/acp/server"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		addrF   = flag.String("addr", "", "HTTP listen address (overrides configuration)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *addrF != "" {
		cfg.Addr = *addrF
	}
	if *dbgF || cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "addr", V: cfg.Addr})

	var (
		opts    []server.Option
		pingers []health.Pinger
	)

	if cfg.Mongo.URI != "" {
		mc, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			log.Fatalf(ctx, err, "connect to mongo")
		}
		defer func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Errorf(ctx, err, "disconnect mongo")
			}
		}()

		runClient, err := runmongoc.New(runmongoc.Options{
			Client:     mc,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.RunsCollection,
			Timeout:    cfg.Mongo.Timeout.Std(),
		})
		if err != nil {
			log.Fatalf(ctx, err, "create run mongo client")
		}
		runStore, err := runmongo.NewStore(runClient)
		if err != nil {
			log.Fatalf(ctx, err, "create run store")
		}
		sessionClient, err := sessionmongoc.New(sessionmongoc.Options{
			Client:     mc,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.SessionsCollection,
			Timeout:    cfg.Mongo.Timeout.Std(),
		})
		if err != nil {
			log.Fatalf(ctx, err, "create session mongo client")
		}
		sessionStore, err := sessionmongo.NewStore(sessionClient)
		if err != nil {
			log.Fatalf(ctx, err, "create session store")
		}
		opts = append(opts, server.WithRunStore(runStore), server.WithSessionStore(sessionStore))
		pingers = append(pingers, runClient, sessionClient)
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()

		pc, err := pulsec.New(pulsec.Options{
			Redis:        rdb,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			log.Fatalf(ctx, err, "create pulse client")
		}
		sink, err := streampulse.NewSink(streampulse.Options{Client: pc})
		if err != nil {
			log.Fatalf(ctx, err, "create pulse sink")
		}
		opts = append(opts, server.WithSink(sink))
	}

	if cfg.RateLimit.PerSecond > 0 {
		opts = append(opts, server.WithRateLimit(rate.Limit(cfg.RateLimit.PerSecond), cfg.RateLimit.Burst))
	}

	srv := server.New(opts...)
	for _, agent := range example.All() {
		if err := srv.Register(agent); err != nil {
			log.Fatalf(ctx, err, "register agent")
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx, cfg.Addr, srv, pingers...); err != nil {
		log.Fatalf(ctx, err, "server exited")
	}
	log.Printf(ctx, "exited")
}
