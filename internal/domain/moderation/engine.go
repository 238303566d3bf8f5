package moderation

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"telegram-moderator/internal/domain/llm"
	"telegram-moderator/internal/infra/logger"
	"telegram-moderator/internal/infra/timeutil"
)

// prefilterReply отправляется пользователю при срабатывании жёсткого фильтра.
const prefilterReply = "Сообщение удалено автоматическим фильтром."

// Actions — действия модератора на платформе. Реализуются адаптером Telegram;
// движок не знает, как именно устроены RPC.
type Actions interface {
	Warn(ctx context.Context, msg *Message, reply string) error
	Delete(ctx context.Context, msg *Message, reply string) error
	Mute(ctx context.Context, msg *Message, duration time.Duration, reply string) error
	Ban(ctx context.Context, msg *Message, reply string) error
	// ForwardToReview пересылает сообщение в ревью-канал со структурной
	// сводкой: вердикт и причина.
	ForwardToReview(ctx context.Context, msg *Message, verdict, reason string) error
	HasReview() bool
}

// Chatter — подмножество клиента модели, нужное движку.
type Chatter interface {
	Chat(ctx context.Context, msgs []openai.ChatCompletionMessage) (*llm.ChatResponse, error)
	ChatLocal(ctx context.Context, msgs []openai.ChatCompletionMessage) (*llm.ChatResponse, error)
	ChatCloud(ctx context.Context, msgs []openai.ChatCompletionMessage) (*llm.ChatResponse, error)
	HasLocal() bool
	HasCloud() bool
}

// EngineConfig — параметры поведения движка.
type EngineConfig struct {
	DryRun       bool
	Cooldown     time.Duration
	MuteDuration time.Duration
}

// Engine — драйвер пайплайна. Для каждого входящего сообщения проходит
// цепочку ворот (служебные, админы, дедуп, кулдаун, пре-фильтр), выбирает
// маршрут к модели (мгновенный локальный для новичков и полигона, батчевый
// облачный для остальных) и применяет вердикт.
//
// Счётчик предупреждений и кулдауны живут только в памяти и сбрасываются
// рестартом — предупреждения затухают, это часть контракта.
type Engine struct {
	cfg EngineConfig

	prefilter *PreFilter
	cache     *ProcessedCache
	newcomers *NewcomerTracker
	rep       *Reputation
	quota     *QuotaManager
	queue     *BatchQueue
	reports   *Reports
	client    Chatter
	prompts   *llm.PromptBuilder
	actions   Actions
	status    *StatusReporter
	now       timeutil.Clock

	mu         sync.Mutex
	warnings   map[int64]int
	lastAction map[int64]time.Time
}

// NewEngine собирает движок из готовых компонентов. Очередь батча подключается
// отдельно (BindQueue): её цикл вызывает методы движка, прямой цикл владения
// не нужен.
func NewEngine(
	cfg EngineConfig,
	prefilter *PreFilter,
	cache *ProcessedCache,
	newcomers *NewcomerTracker,
	rep *Reputation,
	quota *QuotaManager,
	client Chatter,
	prompts *llm.PromptBuilder,
	actions Actions,
	status *StatusReporter,
	now timeutil.Clock,
) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:        cfg,
		prefilter:  prefilter,
		cache:      cache,
		newcomers:  newcomers,
		rep:        rep,
		quota:      quota,
		client:     client,
		prompts:    prompts,
		actions:    actions,
		status:     status,
		now:        now,
		warnings:   make(map[int64]int),
		lastAction: make(map[int64]time.Time),
	}
}

// BindQueue подключает батч-очередь. Двухфазная инициализация: очередь
// создаётся до движка, а её flush-обработчик — метод движка.
func (e *Engine) BindQueue(q *BatchQueue) { e.queue = q }

// BindReports подключает накопитель дневных отчётов. Может не вызываться:
// движок работает и без отчётности.
func (e *Engine) BindReports(r *Reports) { e.reports = r }

// senderName возвращает отображаемое имя отправителя для контекста и ревью.
func senderName(msg *Message) string {
	switch {
	case msg.Sender != "":
		return msg.Sender
	case msg.Username != "":
		return "@" + msg.Username
	default:
		return "user " + strconv.FormatInt(msg.UserID, 10)
	}
}

// Evaluate прогоняет одно сообщение через пайплайн.
func (e *Engine) Evaluate(ctx context.Context, msg *Message) {
	// Служебные и анонимные сообщения не модерируются; админов не трогаем
	// нигде, кроме полигонных групп.
	if msg.UserID == 0 {
		return
	}
	if msg.Admin && !msg.ChatTest {
		return
	}

	e.rep.UpdateActivity(msg.UserID)

	sender := senderName(msg)
	// Контекст собирается из всех сообщений, включая те, что пайплайн дальше
	// пропустит: модели нужен разговор целиком.
	e.prompts.Ring().Add(sender, msg.Text)

	if e.cache.Seen(msg.DedupKey()) {
		logger.Debugf("engine: duplicate %d/%d skipped", msg.ChatID, msg.ID)
		return
	}

	e.newcomers.Touch(msg.UserID)

	if e.cfg.Cooldown > 0 && e.underCooldown(msg.UserID) {
		logger.Debugf("engine: user %d under cooldown, message %d skipped", msg.UserID, msg.ID)
		return
	}

	if tag, hit := e.prefilter.Check(msg.Text); hit {
		e.applyPrefilter(ctx, msg, tag)
		return
	}

	verdict, ok := e.consult(ctx, msg, sender)
	if !ok {
		return
	}
	e.Dispatch(ctx, msg, verdict)
}

func (e *Engine) underCooldown(userID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastAction[userID]
	return ok && e.now().Sub(last) < e.cfg.Cooldown
}

func (e *Engine) armCooldown(userID int64) {
	e.mu.Lock()
	e.lastAction[userID] = e.now()
	e.mu.Unlock()
}

func (e *Engine) bumpWarnings(userID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warnings[userID]++
	return e.warnings[userID]
}

func (e *Engine) warningCount(userID int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.warnings[userID]
}

// applyPrefilter — шорткат жёсткого фильтра: удаление без модели.
func (e *Engine) applyPrefilter(ctx context.Context, msg *Message, tag string) {
	e.armCooldown(msg.UserID)
	if e.reports != nil {
		e.reports.RecordPrefilter()
	}

	verdict := "delete (pre-filter)"
	if e.cfg.DryRun {
		// Счётчик предупреждений в dry-run не трогаем: прогон не должен
		// влиять на будущие боевые решения.
		verdict += " [DRY RUN]"
		logger.Infof("engine: dry-run, would delete %d/%d (%s)", msg.ChatID, msg.ID, tag)
	} else {
		e.bumpWarnings(msg.UserID)
		if err := e.actions.Delete(ctx, msg, prefilterReply); err != nil {
			logger.Errorf("engine: pre-filter delete %d/%d failed: %v", msg.ChatID, msg.ID, err)
		}
	}

	if err := e.actions.ForwardToReview(ctx, msg, verdict, tag); err != nil {
		logger.Warnf("engine: review forward failed: %v", err)
	}
	e.status.Update(ctx)
}

// consult выбирает маршрут к модели и возвращает вердикт. ok=false — вердикта
// не будет: сообщение ушло в батч или модель недоступна (fail-open).
func (e *Engine) consult(ctx context.Context, msg *Message, sender string) (Verdict, bool) {
	warnings := e.warningCount(msg.UserID)
	instant := e.newcomers.IsNewcomer(msg.UserID) || msg.ChatTest

	switch {
	case instant && e.client.HasLocal():
		resp, err := e.client.ChatLocal(ctx, e.prompts.Messages(e.prompts.BuildPayload(msg.Text, sender, warnings, true)))
		if err != nil && llm.IsBadRequest(err) {
			// Переполнение контекста локальной модели: повторяем без окна.
			logger.Warnf("engine: local context overflow for %d/%d, retrying without context", msg.ChatID, msg.ID)
			resp, err = e.client.ChatLocal(ctx, e.prompts.Messages(e.prompts.BuildPayload(msg.Text, sender, warnings, false)))
		}
		if err != nil {
			logger.Errorf("engine: instant evaluation of %d/%d failed: %v", msg.ChatID, msg.ID, err)
			return Verdict{}, false
		}
		e.accountInstant(resp)
		return ParseVerdict(resp.Content), true

	case e.client.HasCloud():
		// Батчевый путь несёт пустой контекст: общий контекст чата задаётся
		// системным промптом.
		e.queue.Add(e.prompts.BuildPayload(msg.Text, sender, warnings, false), msg)
		logger.Debugf("engine: message %d/%d queued for batch (%d pending)", msg.ChatID, msg.ID, e.queue.Size())
		return Verdict{}, false

	default:
		resp, err := e.client.Chat(ctx, e.prompts.Messages(e.prompts.BuildPayload(msg.Text, sender, warnings, true)))
		if err != nil {
			logger.Errorf("engine: evaluation of %d/%d failed on all endpoints: %v", msg.ChatID, msg.ID, err)
			return Verdict{}, false
		}
		e.accountInstant(resp)
		return ParseVerdict(resp.Content), true
	}
}

// accountInstant списывает квоту, если мгновенный путь фактически дошёл до
// облака. Локальные ответы бесплатны.
func (e *Engine) accountInstant(resp *llm.ChatResponse) {
	if resp.Provider == llm.ProviderCloud {
		e.quota.RecordNewcomerRequest()
	}
}

// Dispatch применяет вердикт к сообщению. Общий для мгновенного и батчевого
// путей.
func (e *Engine) Dispatch(ctx context.Context, msg *Message, v Verdict) {
	if e.reports != nil {
		e.reports.RecordVerdict(v.Action)
	}
	if v.Action == ActionOK {
		// Полигонная группа: ok-вердикты тоже видны в ревью, иначе полигон
		// неотличим от молчащего модератора.
		if msg.ChatTest && e.actions.HasReview() {
			if err := e.actions.ForwardToReview(ctx, msg, "ok [TEST GROUP]", v.Reason); err != nil {
				logger.Warnf("engine: review forward failed: %v", err)
			}
		}
		return
	}

	e.armCooldown(msg.UserID)

	if e.cfg.DryRun {
		// Счётчик предупреждений в dry-run не трогаем: прогон не должен
		// влиять на будущие боевые решения.
		logger.Infof("engine: dry-run, would %s %d/%d: %s", v.Action, msg.ChatID, msg.ID, v.Reason)
		e.forwardVerdict(ctx, msg, fmt.Sprintf("%s [DRY RUN]", v.Action), v.Reason)
		e.status.Update(ctx)
		return
	}

	if v.Action != ActionWarn && e.rep.IsTrusted(msg.UserID) {
		// Доверенный пользователь: вместо действия — страйк в досье.
		e.rep.AddStrike(msg.UserID, v.Rule, v.Reason, msg.Text)
		logger.Infof("engine: trusted user %d, %s downgraded to strike", msg.UserID, v.Action)
		e.forwardVerdict(ctx, msg, fmt.Sprintf("STRIKE (%s bypassed)", v.Action), v.Reason)
		e.status.Update(ctx)
		return
	}

	var err error
	switch v.Action {
	case ActionWarn:
		err = e.actions.Warn(ctx, msg, v.Reply)
	case ActionDelete:
		err = e.actions.Delete(ctx, msg, v.Reply)
	case ActionMute:
		err = e.actions.Mute(ctx, msg, e.cfg.MuteDuration, v.Reply)
	case ActionBan:
		if err = e.actions.Ban(ctx, msg, v.Reply); err == nil {
			e.status.RecordBan()
		}
	}
	if err != nil {
		logger.Errorf("engine: %s on %d/%d failed: %v", v.Action, msg.ChatID, msg.ID, err)
	}
	e.bumpWarnings(msg.UserID)

	e.forwardVerdict(ctx, msg, v.Action.String(), v.Reason)
	e.status.Update(ctx)
}

func (e *Engine) forwardVerdict(ctx context.Context, msg *Message, verdict, reason string) {
	if err := e.actions.ForwardToReview(ctx, msg, verdict, reason); err != nil {
		logger.Warnf("engine: review forward failed: %v", err)
	}
}

// FlushBatch — обработчик флаша батч-очереди: один облачный запрос на всё
// содержимое очереди, одна единица квоты. Отказ облака теряет выгребленные
// сообщения из этого цикла модерации (никого не трогаем — fail-open).
func (e *Engine) FlushBatch(ctx context.Context) {
	items := e.queue.Drain()
	if len(items) == 0 {
		return
	}

	prompt, err := BuildBatchPrompt(items)
	if err != nil {
		logger.Errorf("engine: batch prompt build failed, %d messages dropped: %v", len(items), err)
		return
	}

	resp, err := e.client.ChatCloud(ctx, e.prompts.BatchMessages(prompt))
	if err != nil {
		logger.Errorf("engine: batch flush failed, %d messages dropped: %v", len(items), err)
		return
	}
	e.quota.RecordBatchRequest(1)
	e.status.RecordBatch()
	logger.Infof("engine: batch of %d flushed, %d tokens used", len(items), resp.TotalTokens)

	for _, v := range ParseBatchVerdicts(resp.Content, len(items)) {
		if v.Index < 0 || v.Index >= len(items) {
			logger.Warnf("engine: batch verdict index %d out of range [0,%d)", v.Index, len(items))
			continue
		}
		e.Dispatch(ctx, items[v.Index].Msg, v)
	}
}

// StatusTick — tick-обработчик цикла очереди: обновляет статусную проекцию.
func (e *Engine) StatusTick(ctx context.Context) {
	e.status.Update(ctx)
}
