// Command scribed serves meetings over HTTP and WebSocket until it receives
// SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/meetingscribe/httpapi"
	"github.com/ggoodman/meetingscribe/internal/config"
	"github.com/ggoodman/meetingscribe/internal/logging"
	"github.com/ggoodman/meetingscribe/internal/metrics"
	"github.com/ggoodman/meetingscribe/internal/paramstore"
	"github.com/ggoodman/meetingscribe/meetings"
	"github.com/ggoodman/meetingscribe/storage"
	"github.com/ggoodman/meetingscribe/storage/dynamodb"
	"github.com/ggoodman/meetingscribe/storage/memory"
	"github.com/ggoodman/meetingscribe/storage/redis"
	"github.com/ggoodman/meetingscribe/summarize"
	"github.com/ggoodman/meetingscribe/summarize/openai"
	"github.com/ggoodman/meetingscribe/wsconn"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config.load.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}

	log, logCloser, err := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.LogEnv,
		File:        cfg.LogFile,
	})
	if err != nil {
		slog.Error("logging.init.fail", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("scribed.exit", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	store, err := openStore(ctx, cfg, loadAWS)
	if err != nil {
		return err
	}
	defer store.Close()

	summarizer, err := newSummarizer(cfg, loadAWS)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dir, err := meetings.New(store, summarizer,
		meetings.WithLogger(log),
		meetings.WithMetrics(metrics.New(reg)),
		meetings.WithSendQueue(cfg.SendQueue),
		meetings.WithWriteTimeout(cfg.WriteTimeout),
		meetings.WithFinalizeTimeout(cfg.FinalizeTimeout),
	)
	if err != nil {
		return err
	}

	if cfg.LogEnv == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	api, err := httpapi.New(dir, store,
		httpapi.WithLogger(log),
		httpapi.WithGatherer(reg),
		httpapi.WithWebSocket(wsconn.Options{OriginPatterns: cfg.Origins()}),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http.listen", slog.String("addr", cfg.Addr), slog.String("store", cfg.Store), slog.String("summarizer", cfg.Summarizer))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.RetentionDays > 0 {
		g.Go(func() error {
			return dir.RunJanitor(gctx, cfg.JanitorInterval, cfg.Retention())
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("scribed.shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Meetings first: their WebSockets are hijacked and outlive
		// srv.Shutdown.
		dirErr := dir.Shutdown(shutdownCtx)
		srvErr := srv.Shutdown(shutdownCtx)
		return errors.Join(dirErr, srvErr)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, loadAWS func() (aws.Config, error)) (storage.Store, error) {
	links := storage.LinkBuilder{BaseURL: cfg.PublicURL}

	switch cfg.Store {
	case config.StoreRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return redis.New(redis.Config{Client: client, KeyPrefix: cfg.RedisKeyPrefix, Links: links})
	case config.StoreDynamoDB:
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		return dynamodb.New(dynamodb.Config{API: awsdynamodb.NewFromConfig(awsCfg), Table: cfg.DynamoDBTable, Links: links})
	default:
		return memory.New(memory.Config{MaxRecords: cfg.MemoryRecords, Links: links})
	}
}

// openAIKeyParam names the key when it is supplied directly rather than
// through SSM.
const openAIKeyParam = "openai-api-key"

func newSummarizer(cfg *config.Config, loadAWS func() (aws.Config, error)) (meetings.Summarizer, error) {
	if cfg.Summarizer != config.SummarizerOpenAI {
		return summarize.Digest{}, nil
	}

	var (
		getter   openai.Getter
		keyParam = cfg.OpenAIKeyParam
	)
	if cfg.OpenAIAPIKey != "" {
		getter, keyParam = paramstore.Static{openAIKeyParam: cfg.OpenAIAPIKey}, openAIKeyParam
	} else {
		awsCfg, err := loadAWS()
		if err != nil {
			return nil, err
		}
		ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		getter = ps
	}
	return openai.NewClient(getter, keyParam, cfg.OpenAIModel, openai.WithBaseURL(cfg.OpenAIBaseURL))
}
