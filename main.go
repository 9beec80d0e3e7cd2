package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	openai "github.com/openai/openai-go/v3"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"quill/pkg/agent"
	"quill/pkg/billing"
	"quill/pkg/cache"
	"quill/pkg/config"
	"quill/pkg/handler"
	"quill/pkg/llm"
	"quill/pkg/model"
	"quill/pkg/monitor"
	"quill/pkg/normalize"
	"quill/pkg/queue"
	"quill/pkg/store"
	"quill/pkg/stt"
	"quill/pkg/telegram"
	"quill/pkg/tools"
)

const historyRowLimit = 200

func main() {
	_ = godotenv.Load()

	cfg, sysCfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	monitor.SetupSlog(sysCfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Persistence ---
	db, err := store.New(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer rdb.Close()

	writeQueue := queue.NewWriteQueue(rdb, queue.Options{
		BatchSize:   sysCfg.FlushBatchSize,
		MaxAttempts: sysCfg.QueueMaxAttempts,
		BackoffBase: time.Duration(sysCfg.QueueBackoffBaseSec) * time.Second,
	})
	flusher := queue.NewFlusher(writeQueue, db, time.Duration(sysCfg.FlushIntervalSec)*time.Second)

	// --- External clients ---
	bot, err := tgbotapi.NewBotAPI(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if err != nil {
		log.Fatalf("Failed to init Telegram bot: %v", err)
	}
	tgClient := telegram.NewClient(bot, sysCfg.TelegramMessageLimit,
		time.Duration(sysCfg.DownloadTimeoutMs)*time.Millisecond)

	anthropicAPI := anthropic.NewClient()
	openaiAPI := openai.NewClient()

	llmClient := llm.NewClient(&anthropicAPI, sysCfg.LLMMaxRetries,
		time.Duration(sysCfg.RetryDelayMs)*time.Millisecond)
	uploader := llm.NewUploader(&anthropicAPI)
	transcriber := stt.NewClient(&openaiAPI)

	// --- Caches ---
	history := cache.NewHistory(func(ctx context.Context, threadID int64) ([]model.Message, error) {
		return db.ThreadMessages(ctx, threadID, historyRowLimit)
	}, sysCfg.HistoryCacheSize)
	blobs := cache.NewBlobs(rdb, time.Duration(sysCfg.BlobCacheTTLSec)*time.Second)

	// --- Pipeline components ---
	normalizer := normalize.New(tgClient, blobs, transcriber, uploader, db, writeQueue,
		time.Duration(sysCfg.FileTTLHours)*time.Hour)

	registry := tools.NewRegistry()
	registry.Register(tools.NewTranscribeAudio(blobs, transcriber))
	registry.Register(tools.NewDeliverFile())

	executor := tools.NewExecutor(registry, time.Duration(sysCfg.ToolTimeoutMs)*time.Millisecond)
	orch := agent.NewOrchestrator(llmClient, executor,
		sysCfg.MaxIterations, int64(sysCfg.MaxOutputTokens), int64(sysCfg.ThinkingBudgetTokens),
		sysCfg.ShowThinking)

	floor, _ := decimal.NewFromString(cfg.BalanceFloor)
	gate := billing.NewGate(db, floor, cfg.FreeCommands)
	billingSvc := billing.NewService(db, writeQueue, decimal.NewFromFloat(cfg.PriceMargin))

	h := handler.New(handler.Deps{
		Bot:        bot,
		Client:     tgClient,
		Store:      db,
		History:    history,
		Normalizer: normalizer,
		Orch:       orch,
		Gens:       agent.NewRegistry(),
		Actions:    telegram.NewActionRegistry(tgClient, time.Duration(sysCfg.ChatActionIntervalMs)*time.Millisecond),
		Gate:       gate,
		Billing:    billingSvc,
		Queue:      writeQueue,
		Tools:      registry,
		Config:     cfg,
		SysConfig:  sysCfg,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		flusher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return h.Run(gctx)
	})
	g.Go(func() error {
		// Log level follows system.json at runtime; other fields need a
		// restart and the reload just says so.
		reload := config.Watch(gctx, "system.json")
		for range reload {
			fresh := config.LoadSystemConfig("system.json")
			monitor.SetupSlog(fresh.LogLevel)
			log.Println("Reloaded system.json, applied log level; other changes take effect on restart")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("Shutdown with error: %v", err)
	}
	log.Println("Bye!")
}
