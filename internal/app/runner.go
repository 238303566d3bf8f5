// Файл runner.go — точка оркестрации: авторизация, резолв групп, массовая
// пре-регистрация участников, запуск фоновых циклов в правильном порядке и
// корректный graceful shutdown с финальной персистентностью.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	tgadapter "telegram-moderator/internal/adapters/telegram"
	"telegram-moderator/internal/domain/llm"
	"telegram-moderator/internal/domain/moderation"
	"telegram-moderator/internal/infra/config"
	"telegram-moderator/internal/infra/logger"
	"telegram-moderator/internal/infra/timeutil"
)

// RunnerDeps — зависимости Runner, собранные App.
type RunnerDeps struct {
	MainCtx    context.Context
	MainCancel context.CancelFunc
	Cfg        *config.Config
	Client     *telegram.Client
	Peers      *tgadapter.PeerService
	StateDB    *bbolt.DB
	Gateway    *tgadapter.Gateway
	Actor      *tgadapter.Actor
	Engine     *moderation.Engine
	Queue      *moderation.BatchQueue
	Quota      *moderation.QuotaManager
	Newcomers  *moderation.NewcomerTracker
	Reputation *moderation.Reputation
	Reports    *moderation.Reports
	LLM        *llm.Client
	Prompts    *llm.PromptBuilder
}

// Runner инкапсулирует сценарий запуска и остановки модератора: авторизация,
// линейный старт сервисов, фоновые циклы (батч, прогрев, дневной отчёт) и
// остановка в обратном порядке с сохранением состояния.
type Runner struct {
	deps RunnerDeps

	updatesWG     sync.WaitGroup
	updatesCancel context.CancelFunc
	loopsWG       sync.WaitGroup
	loopsCancel   context.CancelFunc
}

// NewRunner подготавливает Runner с переданными зависимостями.
func NewRunner(deps RunnerDeps) *Runner {
	return &Runner{deps: deps}
}

// Run — главный цикл модератора. Блокируется до завершения клиентского
// контекста. MTProto-движок живёт в отдельном контексте, чтобы финальные
// RPC (сохранение статуса) успели уйти до гашения сетевого уровня.
func (r *Runner) Run(waiter *floodwait.Waiter, updMgr *tgupdates.Manager) error {
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	var shutdownWG sync.WaitGroup
	shutdownWG.Go(func() {
		<-r.deps.MainCtx.Done()
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopAllServices()
		clientCancel()
	})

	return waiter.Run(clientCtx, func(ctx context.Context) error {
		return r.deps.Client.Run(ctx, func(ctx context.Context) error {
			logger.Info("Moderator running...")

			self, loginErr := r.loginSelf(ctx)
			if loginErr != nil {
				return loginErr
			}

			if err := r.initPeers(ctx); err != nil {
				return err
			}
			if err := r.resolveGroups(ctx); err != nil {
				return err
			}
			r.preRegisterMembers(ctx)

			r.startAllServices(ctx, updMgr, self.ID)

			<-ctx.Done()
			shutdownWG.Wait()
			return ctx.Err()
		})
	})
}

func (r *Runner) loginSelf(ctx context.Context) (*tg.User, error) {
	flow := auth.NewFlow(
		tgadapter.NewTerminalAuthenticator(r.deps.Cfg.Telegram.Phone),
		auth.SendCodeOptions{},
	)

	if err := r.deps.Client.Auth().IfNecessary(ctx, flow); err != nil {
		return nil, errors.Wrap(err, "auth")
	}

	self, err := r.deps.Client.Self(ctx)
	if err != nil {
		return nil, err
	}
	logger.Logger().Info("Logged in as:",
		zap.String("FirstName", self.FirstName),
		zap.String("LastName", self.LastName),
		zap.String("Username", self.Username),
		zap.Int64("ID", self.ID),
	)
	return self, nil
}

func (r *Runner) initPeers(ctx context.Context) error {
	if err := r.deps.Peers.Mgr.Init(ctx); err != nil {
		return errors.Wrap(err, "init peers manager")
	}
	if err := r.deps.Peers.LoadFromStorage(ctx); err != nil {
		logger.Errorf("failed to load peers from storage: %v", err)
	}
	return nil
}

// resolveGroups превращает ссылки из конфигурации в наблюдаемые группы и
// ревью-канал. Нерезолвящаяся модерируемая группа фатальна: модератор без
// групп бесполезен, а молчаливый пропуск скрыл бы опечатку в конфиге.
func (r *Runner) resolveGroups(ctx context.Context) error {
	mod := r.deps.Cfg.Moderation
	if len(mod.MonitoredGroups) == 0 {
		return errors.New("no monitored groups configured")
	}

	for _, ref := range mod.MonitoredGroups {
		peer, err := r.deps.Peers.ResolveGroupRef(ctx, ref)
		if err != nil {
			return errors.Wrapf(err, "resolve monitored group %q", ref)
		}
		r.deps.Gateway.Watch(peer)
	}

	if mod.ReviewGroup != "" {
		peer, err := r.deps.Peers.ResolveGroupRef(ctx, mod.ReviewGroup)
		if err != nil {
			return errors.Wrapf(err, "resolve review group %q", mod.ReviewGroup)
		}
		r.deps.Actor.SetReview(peer)
		logger.Infof("review channel: %q (%d)", peer.VisibleName(), peer.ID())
	}
	return nil
}

// preRegisterMembers массово регистрирует текущих участников модерируемых
// групп как ветеранов: старожилы не должны попадать в окно новичка после
// рестарта с пустым файлом. Ошибки обхода не фатальны.
func (r *Runner) preRegisterMembers(ctx context.Context) {
	for _, chatID := range r.deps.Gateway.MonitoredIDs() {
		members, err := r.deps.Gateway.EnumerateMembers(ctx, chatID)
		if err != nil {
			logger.Warnf("member enumeration for %d incomplete: %v", chatID, err)
		}
		if len(members) == 0 {
			continue
		}
		registered := r.deps.Newcomers.BulkRegister(members)
		logger.Infof("group %d: %d of %d members pre-registered as veterans", chatID, registered, len(members))
	}
}

func (r *Runner) startAllServices(ctx context.Context, updMgr *tgupdates.Manager, selfID int64) {
	loopsCtx, loopsCancel := context.WithCancel(ctx)
	r.loopsCancel = loopsCancel

	// gateway: воркер обработки входящих сообщений.
	logger.Debug("starting service gateway")
	r.deps.Gateway.Start(loopsCtx)
	logger.Debug("service gateway started")

	// batch_loop: цикл батч-очереди с квотным интервалом.
	logger.Debug("starting service batch_loop")
	r.loopsWG.Go(func() {
		r.deps.Queue.Run(
			loopsCtx,
			r.deps.Quota.Interval,
			func() { r.deps.Engine.StatusTick(loopsCtx) },
			func() { r.deps.Engine.FlushBatch(loopsCtx) },
		)
	})
	logger.Debug("service batch_loop started")

	// llm_warmup: периодический прогрев локальной модели.
	if r.deps.LLM.HasLocal() {
		logger.Debug("starting service llm_warmup")
		r.loopsWG.Go(func() {
			r.warmupLoop(loopsCtx)
		})
		logger.Debug("service llm_warmup started")
	}

	// daily_report: дневная сводка в ревью-канал.
	if r.deps.Cfg.Moderation.ReviewGroup != "" {
		logger.Debug("starting service daily_report")
		r.loopsWG.Go(func() {
			r.reportLoop(loopsCtx)
		})
		logger.Debug("service daily_report started")
	}

	// updates_manager: отдельный контекст, чтобы остановить его первым.
	logger.Debug("starting service updates_manager")
	updatesCtx, updatesCancel := context.WithCancel(ctx)
	r.updatesCancel = updatesCancel
	r.updatesWG.Go(func() {
		mgrErr := updMgr.Run(updatesCtx, r.deps.Client.API(), selfID, tgupdates.AuthOptions{
			Forget: false,
			OnStart: func(context.Context) {
				logger.Debug("Updates manager started")
			},
		})
		if mgrErr != nil && !errors.Is(mgrErr, context.Canceled) {
			logger.Errorf("updMgr.Run return: %v", mgrErr)
			r.deps.MainCancel()
		}
		logger.Debugf("updates_manager service: Run finished (err=%v)", mgrErr)
	})
	logger.Debug("service updates_manager started")
}

// warmupLoop периодически дёргает локальную модель, чтобы она не выгружалась
// из памяти между редкими мгновенными запросами.
func (r *Runner) warmupLoop(ctx context.Context) {
	interval := time.Duration(r.deps.Cfg.Quota.WarmupIntervalMn) * time.Minute

	if err := r.deps.LLM.WarmUpLocal(ctx, r.deps.Prompts.SystemPrompt()); err != nil {
		logger.Warnf("local model warm-up failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.deps.LLM.WarmUpLocal(ctx, r.deps.Prompts.SystemPrompt()); err != nil {
				logger.Warnf("local model warm-up failed: %v", err)
			}
		}
	}
}

// reportLoop шлёт дневную сводку в ревью-канал в полночь UTC.
func (r *Runner) reportLoop(ctx context.Context) {
	for {
		wait := timeutil.UntilNextMidnightUTC(time.Now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			text := r.deps.Reports.BuildDaily()
			if _, err := r.deps.Actor.SendStatus(ctx, text); err != nil {
				logger.Warnf("daily report send failed: %v", err)
			}
		}
	}
}

func (r *Runner) stopAllServices() {
	// Останавливаем в обратном порядке.

	logger.Debug("stopping service updates_manager")
	if r.updatesCancel != nil {
		r.updatesCancel()
	}
	r.updatesWG.Wait()
	logger.Debug("service updates_manager stopped")

	logger.Debug("stopping background loops")
	if r.loopsCancel != nil {
		r.loopsCancel()
	}
	r.loopsWG.Wait()
	logger.Debug("background loops stopped")

	logger.Debug("stopping service gateway")
	r.deps.Gateway.Stop()
	logger.Debug("service gateway stopped")

	// Финальная персистентность: состояние в памяти авторитетно.
	if err := r.deps.Newcomers.Save(); err != nil {
		logger.Errorf("final newcomers save failed: %v", err)
	}
	if err := r.deps.Reputation.Save(); err != nil {
		logger.Errorf("final reputation save failed: %v", err)
	}
	if err := r.deps.Quota.Save(); err != nil {
		logger.Errorf("final quota save failed: %v", err)
	}

	logger.Debug("stopping service peers_manager")
	if err := r.deps.Peers.Close(); err != nil {
		logger.Errorf("failed to stop peers_manager: %v", err)
	}
	logger.Debug("service peers_manager stopped")

	if r.deps.StateDB != nil {
		if err := r.deps.StateDB.Close(); err != nil {
			logger.Errorf("failed to close state db: %v", err)
		}
	}
}
