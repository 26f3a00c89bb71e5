package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v2"
	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/tileserved/tileserved/internal/delaypool"
	"github.com/tileserved/tileserved/internal/infrastructure/postgres"
	"github.com/tileserved/tileserved/internal/metastore"
	"github.com/tileserved/tileserved/internal/renderclient"
	"github.com/tileserved/tileserved/internal/server"
	"github.com/tileserved/tileserved/internal/serveengine"
	"github.com/tileserved/tileserved/internal/stats"
	"github.com/tileserved/tileserved/internal/tileaddr"
)

// Serve parses configuration from the environment/flags, wires the render
// engine and HTTP server, and runs until it receives a shutdown signal.
func Serve(log *zap.SugaredLogger) error {
	cfg := struct {
		Tile struct {
			Dir                    string        `conf:"default:/var/lib/mod_tile"`
			LayoutHashed           bool          `conf:"default:true"`
			RenderdSocket          string        `conf:"default:/var/run/renderd/renderd.sock"`
			RequestTimeout         time.Duration `conf:"default:5s"`
			RequestTimeoutPriority time.Duration `conf:"default:15s"`
		}
		Web struct {
			Debug           bool          `conf:"default:false"`
			BaseURI         string        `conf:"default:/tiles"`
			APIHost         string        `conf:"default:0.0.0.0:8080"`
			ShutdownTimeout time.Duration `conf:"default:10s"`
		}
		Cache struct {
			ExtendedHostname   string        `conf:"help:substring match that forces ExtendedDuration"`
			ExtendedDuration   time.Duration `conf:"default:168h"`
			DurationDirty      time.Duration `conf:"default:15m"`
			DurationMax        time.Duration `conf:"default:168h"`
			DurationMinimum    time.Duration `conf:"default:3h"`
			LastModifiedFactor float64       `conf:"default:0.2" validate:"gte=0"`
			DurationLowZoom    time.Duration `conf:"default:144h"`
			LevelLowZoom       int           `conf:"default:9" validate:"gte=0,lte=22"`
			DurationMediumZoom time.Duration `conf:"default:24h"`
			LevelMediumZoom    int           `conf:"default:13" validate:"gte=0,lte=22"`
		}
		Load struct {
			MaxLoadOld     float64 `conf:"default:2,help:above this 1-minute load average, stale tiles are served as-is and rerendered in the background" validate:"gte=0"`
			MaxLoadMissing float64 `conf:"default:4,help:above this 1-minute load average, missing tiles return 404 instead of rendering synchronously" validate:"gte=0"`
		}
		Stats struct {
			EnableGlobal    bool          `conf:"default:true"`
			EnableStatsWS   bool          `conf:"default:false"`
			StatsWSInterval time.Duration `conf:"default:5s,help:how often /ws/stats subscribers receive a snapshot"`
			UseRedis        bool          `conf:"default:false,help:mirror counters into a shared Redis hash across processes"`
		}
		Throttle struct {
			Enabled          bool          `conf:"default:false"`
			UseRedis         bool          `conf:"default:false"`
			TileBucketSize   int           `conf:"default:200" validate:"gte=0"`
			TileTopupRate    time.Duration `conf:"default:1s" validate:"gte=0"`
			RenderBucketSize int           `conf:"default:20" validate:"gte=0"`
			RenderTopupRate  time.Duration `conf:"default:2s" validate:"gte=0"`
		}
		Postgres struct {
			Enabled      bool   `conf:"default:false,help:enables the throttle whitelist repository"`
			User         string `conf:"default:postgres"`
			Password     string `conf:"default:postgres,mask"`
			Host         string `conf:"default:postgres"`
			Name         string `conf:"default:postgres,env:POSTGRES_DB"`
			Port         int    `conf:"default:5432"`
			MaxIdleConns int    `conf:"default:3"`
			MaxOpenConns int    `conf:"default:3"`
			SSLMode      string `conf:"default:disable"`
		}
		Redis struct {
			Addr     string `conf:"default:redis:6379"`
			Network  string
			Password string `conf:"mask"`
			DB       int    `conf:"default:0"`
		}
	}{}

	const prefix = ""
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	mode := tileaddr.Flat
	if cfg.Tile.LayoutHashed {
		mode = tileaddr.Hashed
	}
	codec := tileaddr.New(cfg.Tile.Dir, mode)
	store := metastore.New(codec)
	render := renderclient.New(cfg.Tile.RenderdSocket, cfg.Tile.RequestTimeout, cfg.Tile.RequestTimeoutPriority, log)

	var rdb *redis.Client
	if cfg.Throttle.UseRedis || cfg.Stats.UseRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Network:  cfg.Redis.Network,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	poolCfg := delaypool.Config{
		TileBucketSize:   cfg.Throttle.TileBucketSize,
		TileTopupRate:    cfg.Throttle.TileTopupRate,
		RenderBucketSize: cfg.Throttle.RenderBucketSize,
		RenderTopupRate:  cfg.Throttle.RenderTopupRate,
	}

	var throttler serveengine.Throttler
	if cfg.Throttle.Enabled {
		if cfg.Throttle.UseRedis {
			throttler = delaypool.SyncRedisPool{RedisPool: delaypool.NewRedisPool(rdb, poolCfg)}
		} else {
			pool := delaypool.New(poolCfg)
			if cfg.Postgres.Enabled {
				dbConn, err := server.OpenDB(server.DBConfig{
					User:         cfg.Postgres.User,
					Password:     cfg.Postgres.Password,
					Host:         fmt.Sprintf("%s:%d", cfg.Postgres.Host, cfg.Postgres.Port),
					Name:         cfg.Postgres.Name,
					MaxIdleConns: cfg.Postgres.MaxIdleConns,
					MaxOpenConns: cfg.Postgres.MaxOpenConns,
					SSLMode:      cfg.Postgres.SSLMode,
				})
				if err != nil {
					return fmt.Errorf("connecting to db: %w", err)
				}
				defer dbConn.Close()
				whitelistRepo, err := postgres.NewWhitelistRepository(dbConn)
				if err != nil {
					return fmt.Errorf("creating whitelist schema: %w", err)
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := delaypool.LoadWhitelist(ctx, pool, whitelistRepo); err != nil {
					log.Errorw("loading throttle whitelist", "ERROR", err)
				}
				cancel()
			}
			throttler = pool
		}
	}

	counters := stats.New(cfg.Stats.EnableGlobal, nil)
	if cfg.Stats.UseRedis {
		counters.MirrorToRedis(stats.NewRedisCounters(rdb, "tileserved:stats", true))
	}

	cacheCfg := serveengine.CacheConfig{
		ExtendedHostname:   cfg.Cache.ExtendedHostname,
		ExtendedDuration:   cfg.Cache.ExtendedDuration,
		DurationDirty:      cfg.Cache.DurationDirty,
		DurationMax:        cfg.Cache.DurationMax,
		DurationMinimum:    cfg.Cache.DurationMinimum,
		LastModifiedFactor: cfg.Cache.LastModifiedFactor,
		DurationLowZoom:    cfg.Cache.DurationLowZoom,
		LevelLowZoom:       cfg.Cache.LevelLowZoom,
		DurationMediumZoom: cfg.Cache.DurationMediumZoom,
		LevelMediumZoom:    cfg.Cache.LevelMediumZoom,
	}

	var loadMonitor serveengine.LoadMonitor
	if m, err := serveengine.NewProcfsLoadMonitor(); err != nil {
		log.Warnw("load average unavailable, load-gating disabled", "ERROR", err)
	} else {
		loadMonitor = m
	}

	engine := &serveengine.Engine{
		Codec:          codec,
		Store:          store,
		Render:         render,
		Pool:           throttler,
		Stats:          counters,
		Planet:         serveengine.NewPlanetClock(cfg.Tile.Dir),
		CacheCfg:       cacheCfg,
		MinCache:       cacheCfg.BuildMinCacheTable(),
		ThrottleOn:     cfg.Throttle.Enabled,
		Logger:         log,
		Load:           loadMonitor,
		MaxLoadOld:     cfg.Load.MaxLoadOld,
		MaxLoadMissing: cfg.Load.MaxLoadMissing,
	}

	srv := server.NewServer(log, server.Config{
		Debug:             cfg.Web.Debug,
		BaseURI:           cfg.Web.BaseURI,
		EnableGlobalStats: cfg.Stats.EnableGlobal,
		EnableStatsWS:     cfg.Stats.EnableStatsWS,
	}, engine, counters)

	go func() {
		if err := srv.ListenAndServe(cfg.Web.APIHost); err != nil && err != http.ErrServerClosed {
			log.Fatalf("shutting down the server: %v", err)
		}
	}()

	stopStatsWS := make(chan struct{})
	if cfg.Stats.EnableStatsWS {
		go srv.RunStatsWS(cfg.Stats.StatsWSInterval, stopStatsWS)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infof("Received shutdown signal")
	close(stopStatsWS)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal(err)
	}
	log.Sync()
	return nil
}
