package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/you/tg-dubber/internal/backfill"
	"github.com/you/tg-dubber/internal/config"
	"github.com/you/tg-dubber/internal/generator"
	"github.com/you/tg-dubber/internal/httpapi"
	"github.com/you/tg-dubber/internal/jobs"
	"github.com/you/tg-dubber/internal/ledger"
	"github.com/you/tg-dubber/internal/logx"
	"github.com/you/tg-dubber/internal/notify"
	"github.com/you/tg-dubber/internal/pipeline"
	"github.com/you/tg-dubber/internal/resolver"
	"github.com/you/tg-dubber/internal/store"
	"github.com/you/tg-dubber/internal/transcode"
)

func main() {
	_ = godotenv.Load()
	c := config.Load()

	logx.Setup(logx.FromEnv("worker"))
	if c.BotToken == "" {
		log.Fatal().Msg("BOT_TOKEN required")
	}
	prof, err := config.LoadProfile(c.ProfileFile)
	if err != nil {
		log.Fatal().Err(err).Msg("profile")
	}
	if err := os.MkdirAll(c.WorkDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("work dir")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot, err := tgbotapi.NewBotAPI(c.BotToken)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram auth")
	}

	bucket, err := store.NewBucket(ctx, store.BucketConfig{
		Endpoint:  c.S3Endpoint,
		AccessKey: c.S3AccessKey,
		SecretKey: c.S3SecretKey,
		UseSSL:    c.S3UseSSL,
		Region:    c.S3Region,
		Bucket:    c.S3Bucket,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("object store")
	}
	archive := store.NewArchive(bucket, c.PublicBaseURL)

	gem, err := generator.New(ctx, generator.Options{
		APIKey:   c.GoogleAPIKey,
		Model:    c.GeminiModel,
		TTSModel: c.TTSModel,
		Voice:    c.TTSVoice,
		Prompt:   prof.ScriptPrompt,
		Caption:  prof.CaptionPrompt,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("gemini")
	}

	xhs, err := resolver.NewXHS(c.XHSResolverURL, c.XHSPattern, c.ResolveTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("xhs resolver")
	}

	rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
	defer rdb.Close()
	led := ledger.New(rdb)
	tg := notify.NewTelegram(bot)

	tc := transcode.New(transcode.Options{
		FFmpeg:    c.FFmpegPath,
		FFprobe:   c.FFprobePath,
		Sox:       c.SoxPath,
		StderrMax: c.EngineStderrMax,
	})

	orch := pipeline.New(pipeline.Deps{
		Resolver:   resolver.Chain{resolver.TelegramFiles{Bot: bot}, xhs},
		Downloader: resolver.NewDownloader(c.DownloadReferer, c.DownloadMaxBytes, c.DownloadTimeout),
		Generator:  gem,
		Transcoder: tc,
		Archive:    archive,
		Notifier:   tg,
		Tracker:    led,
		Quota:      led,
	}, pipeline.OptionsFromConfig(c, prof))

	fixer := backfill.New(archive, tc, gem, backfill.Options{
		WorkDir:      c.WorkDir,
		CaptionDelay: c.CaptionDelay,
		ItemTimeout:  c.EngineTimeout,
	})

	httpSrv := &http.Server{
		Addr:              c.HTTPAddr,
		Handler:           httpapi.New(orch, archive, led).WithBackfill(fixer).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}, asynq.Config{
		Concurrency:  1,
		Logger:       logx.AsynqLogger{},
		ErrorHandler: dropNotice(tg, prof.Failed),
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskSubmitDub, handleSubmit(orch))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := orch.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info().Str("addr", c.HTTPAddr).Msg("http api listening")
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Start(mux); err != nil {
			return err
		}
		<-gctx.Done()
		srv.Shutdown()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	log.Info().Str("bot", bot.Self.UserName).Msg("worker started")
	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("worker stopped")
	}
	log.Info().Msg("worker stopped")
}
