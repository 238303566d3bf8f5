// Package app — верхний уровень сборки модератора: связывание конфигурации,
// MTProto-клиента, менеджера апдейтов, компонентов пайплайна модерации и
// LLM-клиента. Отсюда стартует цикл обработки событий и обеспечивается
// корректный shutdown.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"

	tgadapter "telegram-moderator/internal/adapters/telegram"
	"telegram-moderator/internal/domain/llm"
	"telegram-moderator/internal/domain/moderation"
	"telegram-moderator/internal/infra/config"
	"telegram-moderator/internal/infra/logger"
	"telegram-moderator/internal/infra/storage"
	"telegram-moderator/internal/infra/version"
)

// lazyUpdateHandler откладывает установку реального обработчика апдейтов,
// разрывая цикл инициализации клиент → менеджер апдейтов → клиент.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// App агрегирует зависимости модератора и управляет их связью. Сборка идёт в
// Run: клиент, кэш пиров, хранилище состояния апдейтов, компоненты пайплайна,
// шлюз и Runner.
type App struct {
	cfg        *config.Config
	mainCtx    context.Context
	mainCancel context.CancelFunc
}

// NewApp создаёт каркас приложения. Фактическая инициализация выполняется в Run.
func NewApp(mainCtx context.Context, mainCancel context.CancelFunc, cfg *config.Config) *App {
	return &App{
		cfg:        cfg,
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Run собирает все подсистемы и блокируется до остановки приложения.
func (a *App) Run() error {
	logger.Info("Moderator initializing...")

	dispatcher := tg.NewUpdateDispatcher()
	lazyHandler := &lazyUpdateHandler{}
	waiter := floodwait.NewWaiter()

	options := telegram.Options{
		SessionStorage: &tgadapter.SessionStorage{Path: a.cfg.Telegram.SessionFile},
		UpdateHandler:  lazyHandler,
		Middlewares: []telegram.Middleware{
			waiter,
			ratelimit.New(
				rate.Limit(a.cfg.Telegram.ThrottleRPS),
				a.cfg.Telegram.ThrottleRPS*2, //nolint:mnd // burst = 2*rate
			),
		},
		OnDead: func() {
			logger.Warn("MTProto connection reported dead")
		},
		Device: telegram.DeviceConfig{
			DeviceModel:   "MacBookPro18,1",
			SystemVersion: "macOS v15.6.1 build 24G90",
			AppVersion:    version.Version,
		},
	}

	client := telegram.NewClient(a.cfg.Telegram.APIID, a.cfg.Telegram.APIHash, options)

	peerSvc, err := tgadapter.NewPeerService(client.API(), a.cfg.Data.PeersCacheFile)
	if err != nil {
		return fmt.Errorf("init peers service: %w", err)
	}
	if err = peerSvc.LoadFromStorage(a.mainCtx); err != nil {
		return fmt.Errorf("load peers storage: %w", err)
	}

	if err = storage.EnsureDir(a.cfg.Data.StateFile); err != nil {
		return fmt.Errorf("ensure state file dir: %w", err)
	}
	stateDB, err := bbolt.Open(a.cfg.Data.StateFile, 0o600, nil)
	if err != nil {
		return errors.Wrap(err, "create bolt storage")
	}
	stateStorage := boltstor.NewStateStorage(stateDB)

	updMgr := tgupdates.New(tgupdates.Config{
		Handler:      dispatcher,
		Storage:      stateStorage,
		AccessHasher: peerSvc.Mgr,
	})
	lazyHandler.set(contribstorage.UpdateHook(peerSvc.Mgr.UpdateHook(updMgr), peerSvc.Store()))

	// Компоненты пайплайна модерации.
	mod := a.cfg.Moderation
	prefilter := moderation.NewPreFilter(a.cfg.Rules.HardBanKeywords, a.cfg.Rules.HardBanRegex)
	cache := moderation.NewProcessedCache(moderation.DefaultProcessedCapacity)

	newcomers := moderation.NewNewcomerTracker(
		a.cfg.Data.NewcomersFile,
		time.Duration(mod.NewcomerWindowH)*time.Hour,
		time.Now,
	)
	// Битые персистентные файлы не фатальны: состояние в памяти авторитетно,
	// компонент стартует пустым и перезапишет файл первым сохранением.
	if err = newcomers.Load(); err != nil {
		logger.Warnf("newcomers state unreadable, starting empty: %v", err)
	}

	rep := moderation.NewReputation(
		a.cfg.Data.ReputationFile,
		time.Duration(mod.TrustedMinDays)*24*time.Hour,
		mod.TrustedMinMessage,
		time.Now,
	)
	if err = rep.Load(); err != nil {
		logger.Warnf("reputation state unreadable, starting empty: %v", err)
	}

	quota := moderation.NewQuotaManager(a.cfg.Data.QuotaFile, a.cfg.Quota.DailyLimit, time.Now)
	if err = quota.Load(); err != nil {
		logger.Warnf("quota state unreadable, starting empty: %v", err)
	}

	prompts, err := llm.NewPromptBuilder(mod.SystemPromptPath, mod.ContextWindow)
	if err != nil {
		return fmt.Errorf("init prompt builder: %w", err)
	}
	llmClient := llm.New(a.cfg.LLM)

	queue := moderation.NewBatchQueue(mod.BatchMaxTokens, time.Now)
	actor := tgadapter.NewActor(client.API(), peerSvc, nil)

	var poster moderation.ReviewPoster
	if mod.ReviewGroup != "" {
		poster = actor
	}
	status := moderation.NewStatusReporter(poster, quota, queue, time.Now)
	reports := moderation.NewReports(rep, time.Now)

	engine := moderation.NewEngine(
		moderation.EngineConfig{
			DryRun:       mod.DryRun,
			Cooldown:     time.Duration(mod.UserCooldownSec) * time.Second,
			MuteDuration: time.Duration(mod.MuteDurationSec) * time.Second,
		},
		prefilter, cache, newcomers, rep, quota,
		llmClient, prompts, actor, status, time.Now,
	)
	engine.BindQueue(queue)
	engine.BindReports(reports)

	gateway := tgadapter.NewGateway(client.API(), peerSvc, engine, mod.TestGroupIDs)
	gateway.Register(dispatcher)

	runner := NewRunner(RunnerDeps{
		MainCtx:    a.mainCtx,
		MainCancel: a.mainCancel,
		Cfg:        a.cfg,
		Client:     client,
		Peers:      peerSvc,
		StateDB:    stateDB,
		Gateway:    gateway,
		Actor:      actor,
		Engine:     engine,
		Queue:      queue,
		Quota:      quota,
		Newcomers:  newcomers,
		Reputation: rep,
		Reports:    reports,
		LLM:        llmClient,
		Prompts:    prompts,
	})
	return runner.Run(waiter, updMgr)
}
