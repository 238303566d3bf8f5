package moderation_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"telegram-moderator/internal/domain/llm"
	"telegram-moderator/internal/domain/moderation"
)

// fakeChatter имитирует клиент модели: фиксированные ответы по маршрутам.
type fakeChatter struct {
	hasLocal, hasCloud bool

	localContent string
	localErrs    []error // очередь ошибок первых вызовов ChatLocal
	cloudContent string
	cloudErr     error
	chatContent  string
	chatProvider string

	localCalls, cloudCalls, chatCalls int
	lastLocalMsgs, lastCloudMsgs      []openai.ChatCompletionMessage
}

func (f *fakeChatter) HasLocal() bool { return f.hasLocal }
func (f *fakeChatter) HasCloud() bool { return f.hasCloud }

func (f *fakeChatter) ChatLocal(_ context.Context, msgs []openai.ChatCompletionMessage) (*llm.ChatResponse, error) {
	f.localCalls++
	f.lastLocalMsgs = msgs
	if len(f.localErrs) > 0 {
		err := f.localErrs[0]
		f.localErrs = f.localErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &llm.ChatResponse{Content: f.localContent, Provider: llm.ProviderLocal}, nil
}

func (f *fakeChatter) ChatCloud(_ context.Context, msgs []openai.ChatCompletionMessage) (*llm.ChatResponse, error) {
	f.cloudCalls++
	f.lastCloudMsgs = msgs
	if f.cloudErr != nil {
		return nil, f.cloudErr
	}
	return &llm.ChatResponse{Content: f.cloudContent, Provider: llm.ProviderCloud}, nil
}

func (f *fakeChatter) Chat(context.Context, []openai.ChatCompletionMessage) (*llm.ChatResponse, error) {
	f.chatCalls++
	provider := f.chatProvider
	if provider == "" {
		provider = llm.ProviderCloud
	}
	return &llm.ChatResponse{Content: f.chatContent, Provider: provider}, nil
}

// forwarded — одна запись ревью-пересылки.
type forwarded struct {
	msgID   int
	verdict string
	reason  string
}

// fakeActions записывает все RPC модератора.
type fakeActions struct {
	review bool
	banErr error

	warns, deletes, mutes, bans []int // id сообщений
	muteDurations               []time.Duration
	forwards                    []forwarded
}

func (f *fakeActions) Warn(_ context.Context, msg *moderation.Message, _ string) error {
	f.warns = append(f.warns, msg.ID)
	return nil
}

func (f *fakeActions) Delete(_ context.Context, msg *moderation.Message, _ string) error {
	f.deletes = append(f.deletes, msg.ID)
	return nil
}

func (f *fakeActions) Mute(_ context.Context, msg *moderation.Message, d time.Duration, _ string) error {
	f.mutes = append(f.mutes, msg.ID)
	f.muteDurations = append(f.muteDurations, d)
	return nil
}

func (f *fakeActions) Ban(_ context.Context, msg *moderation.Message, _ string) error {
	f.bans = append(f.bans, msg.ID)
	return f.banErr
}

func (f *fakeActions) ForwardToReview(_ context.Context, msg *moderation.Message, verdict, reason string) error {
	f.forwards = append(f.forwards, forwarded{msgID: msg.ID, verdict: verdict, reason: reason})
	return nil
}

func (f *fakeActions) HasReview() bool { return f.review }

// engineFixture — полный пайплайн на фейковых коллабораторах.
type engineFixture struct {
	engine    *moderation.Engine
	chatter   *fakeChatter
	actions   *fakeActions
	poster    *fakePoster
	newcomers *moderation.NewcomerTracker
	rep       *moderation.Reputation
	quota     *moderation.QuotaManager
	queue     *moderation.BatchQueue
	now       *time.Time
}

func newEngineFixture(t *testing.T, cfg moderation.EngineConfig, keywords []string, chatter *fakeChatter) *engineFixture {
	t.Helper()
	dir := t.TempDir()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	promptPath := filepath.Join(dir, "system_prompt.md")
	if err := os.WriteFile(promptPath, []byte("# policy"), 0o600); err != nil {
		t.Fatal(err)
	}
	prompts, err := llm.NewPromptBuilder(promptPath, 15)
	if err != nil {
		t.Fatal(err)
	}

	newcomers := moderation.NewNewcomerTracker(filepath.Join(dir, "newcomers.json"), 24*time.Hour, clock)
	rep := moderation.NewReputation(filepath.Join(dir, "reputation.json"), 7*24*time.Hour, 50, clock)
	quota := moderation.NewQuotaManager(filepath.Join(dir, "quota.json"), 1000, clock)
	queue := moderation.NewBatchQueue(3000, clock)
	actions := &fakeActions{review: true}
	poster := &fakePoster{existingID: 900}
	status := moderation.NewStatusReporter(poster, quota, queue, clock)

	engine := moderation.NewEngine(
		cfg,
		moderation.NewPreFilter(keywords, nil),
		moderation.NewProcessedCache(1000),
		newcomers, rep, quota, chatter, prompts, actions, status, clock,
	)
	engine.BindQueue(queue)

	return &engineFixture{
		engine:    engine,
		chatter:   chatter,
		actions:   actions,
		poster:    poster,
		newcomers: newcomers,
		rep:       rep,
		quota:     quota,
		queue:     queue,
		now:       &now,
	}
}

func msgFrom(userID int64, id int, text string) *moderation.Message {
	return &moderation.Message{
		ChatID:    -100200300,
		ChatTitle: "general",
		ID:        id,
		UserID:    userID,
		Sender:    "Test User",
		Text:      text,
	}
}

func TestEngineKeywordShortcut(t *testing.T) {
	t.Parallel()

	chatter := &fakeChatter{hasLocal: true, hasCloud: true}
	fx := newEngineFixture(t, moderation.EngineConfig{Cooldown: 60 * time.Second, MuteDuration: time.Hour}, []string{"spamword"}, chatter)
	ctx := context.Background()

	fx.engine.Evaluate(ctx, msgFrom(10, 1, "check out spamword today"))

	if chatter.localCalls+chatter.cloudCalls+chatter.chatCalls != 0 {
		t.Fatal("pre-filter hit must not reach the model")
	}
	if len(fx.actions.deletes) != 1 || fx.actions.deletes[0] != 1 {
		t.Fatalf("deletes = %v, want [1]", fx.actions.deletes)
	}
	fwd := fx.actions.forwards
	if len(fwd) != 1 || fwd[0].verdict != "delete (pre-filter)" || fwd[0].reason != "keyword:spamword" {
		t.Fatalf("forwards = %+v", fwd)
	}

	// Кулдаун взведён: следующее сообщение того же пользователя пропускается.
	fx.engine.Evaluate(ctx, msgFrom(10, 2, "totally innocent"))
	if chatter.localCalls != 0 || fx.queue.Size() != 0 {
		t.Fatal("message under cooldown must not be evaluated")
	}
}

func TestEngineDryRunMute(t *testing.T) {
	t.Parallel()

	chatter := &fakeChatter{
		hasLocal:     true,
		localContent: `{"verdict":"mute","reason":"ads","reply":"no promo"}`,
	}
	fx := newEngineFixture(t, moderation.EngineConfig{DryRun: true, MuteDuration: time.Hour}, nil, chatter)

	fx.engine.Evaluate(context.Background(), msgFrom(11, 5, "buy my course"))

	if len(fx.actions.mutes) != 0 {
		t.Fatal("dry-run must not issue mute RPC")
	}
	fwd := fx.actions.forwards
	if len(fwd) != 1 || fwd[0].verdict != "mute [DRY RUN]" || fwd[0].reason != "ads" {
		t.Fatalf("forwards = %+v", fwd)
	}
}

func TestEngineInstantPathQuota(t *testing.T) {
	t.Parallel()

	chatter := &fakeChatter{hasLocal: true, localContent: `{"verdict":"ok"}`}
	fx := newEngineFixture(t, moderation.EngineConfig{}, nil, chatter)

	// Новичок по мгновенному пути через локальную модель: квота не тратится.
	fx.engine.Evaluate(context.Background(), msgFrom(12, 7, "hello everyone"))
	if chatter.localCalls != 1 {
		t.Fatalf("local calls = %d, want 1", chatter.localCalls)
	}
	if got := fx.quota.Snapshot().RequestsUsed; got != 0 {
		t.Fatalf("RequestsUsed = %d, want 0 after local-only call", got)
	}
}

func TestEngineLocalOverflowRetriesWithoutContext(t *testing.T) {
	t.Parallel()

	chatter := &fakeChatter{
		hasLocal:     true,
		localErrs:    []error{&openai.APIError{HTTPStatusCode: 400, Message: "context overflow"}},
		localContent: `{"verdict":"warn","reason":"caps"}`,
	}
	fx := newEngineFixture(t, moderation.EngineConfig{}, nil, chatter)

	fx.engine.Evaluate(context.Background(), msgFrom(13, 9, "SOME SHOUTING TEXT"))

	if chatter.localCalls != 2 {
		t.Fatalf("local calls = %d, want 2 (retry after 400)", chatter.localCalls)
	}
	// Повтор уходит без окна контекста.
	var payload llm.Payload
	if err := json.Unmarshal([]byte(chatter.lastLocalMsgs[1].Content), &payload); err != nil {
		t.Fatalf("retry payload: %v", err)
	}
	if payload.Context != nil {
		t.Fatalf("retry payload carries context: %#v", payload.Context)
	}
	if len(fx.actions.warns) != 1 {
		t.Fatalf("warns = %v, want one", fx.actions.warns)
	}
}

func TestEngineBatchRoute(t *testing.T) {
	t.Parallel()

	chatter := &fakeChatter{
		hasLocal:     true,
		hasCloud:     true,
		cloudContent: `[{"index":0,"verdict":"ok"},{"index":1,"verdict":"delete","reason":"spam","rule":"links"}]`,
	}
	fx := newEngineFixture(t, moderation.EngineConfig{MuteDuration: time.Hour}, nil, chatter)
	ctx := context.Background()

	// Ветераны уходят в батч, а не в локальную модель.
	fx.newcomers.BulkRegister([]int64{20, 21})
	fx.engine.Evaluate(ctx, msgFrom(20, 30, "regular chatter"))
	fx.engine.Evaluate(ctx, msgFrom(21, 31, "spam link here"))

	if chatter.localCalls != 0 {
		t.Fatal("veterans must not use the instant path")
	}
	if fx.queue.Size() != 2 {
		t.Fatalf("queue size = %d, want 2", fx.queue.Size())
	}

	fx.engine.FlushBatch(ctx)

	if chatter.cloudCalls != 1 {
		t.Fatalf("cloud calls = %d, want 1", chatter.cloudCalls)
	}
	if got := fx.quota.Snapshot().RequestsUsed; got != 1 {
		t.Fatalf("RequestsUsed = %d, want 1 per batch", got)
	}
	if fx.queue.Size() != 0 {
		t.Fatal("queue must be drained by flush")
	}
	if len(fx.actions.deletes) != 1 || fx.actions.deletes[0] != 31 {
		t.Fatalf("deletes = %v, want [31]", fx.actions.deletes)
	}
	// Батчевый payload не несёт контекста.
	var batch []map[string]any
	if err := json.Unmarshal([]byte(chatter.lastCloudMsgs[1].Content), &batch); err != nil {
		t.Fatalf("batch payload: %v", err)
	}
	if _, ok := batch[0]["context"]; ok {
		t.Fatal("batch payload must not carry context")
	}
}

func TestEngineBatchFlushFailureDropsItems(t *testing.T) {
	t.Parallel()

	chatter := &fakeChatter{hasCloud: true, cloudErr: &openai.APIError{HTTPStatusCode: 500}}
	fx := newEngineFixture(t, moderation.EngineConfig{}, nil, chatter)
	ctx := context.Background()

	fx.newcomers.BulkRegister([]int64{22})
	fx.engine.Evaluate(ctx, msgFrom(22, 40, "whatever"))
	fx.engine.FlushBatch(ctx)

	if fx.queue.Size() != 0 {
		t.Fatal("failed flush must still leave the queue drained")
	}
	if got := fx.quota.Snapshot().RequestsUsed; got != 0 {
		t.Fatalf("RequestsUsed = %d, want 0 after failed flush", got)
	}
	if len(fx.actions.deletes)+len(fx.actions.warns)+len(fx.actions.bans) != 0 {
		t.Fatal("failed flush must not dispatch any action")
	}
}

func TestEngineTrustedDowngrade(t *testing.T) {
	t.Parallel()

	chatter := &fakeChatter{
		hasLocal:     true,
		hasCloud:     true,
		cloudContent: `[{"index":0,"verdict":"ban","reason":"scam","rule":"fraud"}]`,
	}
	fx := newEngineFixture(t, moderation.EngineConfig{MuteDuration: time.Hour}, nil, chatter)
	ctx := context.Background()

	// Доверенный: первый визит 8 дней назад, 100 сообщений.
	*fx.now = fx.now.Add(-8 * 24 * time.Hour)
	for i := 0; i < 100; i++ {
		fx.rep.UpdateActivity(30)
	}
	*fx.now = fx.now.Add(8 * 24 * time.Hour)
	fx.newcomers.BulkRegister([]int64{30})

	longText := strings.Repeat("x", 300)
	fx.engine.Evaluate(ctx, msgFrom(30, 50, longText))
	fx.engine.FlushBatch(ctx)

	if len(fx.actions.bans) != 0 {
		t.Fatal("trusted user must never be banned")
	}
	stats, ok := fx.rep.Stats(30)
	if !ok || len(stats.Strikes) != 1 {
		t.Fatalf("stats = %+v, want one strike", stats)
	}
	s := stats.Strikes[0]
	if s.Rule != "fraud" || s.Reason != "scam" || len([]rune(s.Excerpt)) != 100 {
		t.Fatalf("strike = %+v", s)
	}
	fwd := fx.actions.forwards
	if len(fwd) != 1 || fwd[0].verdict != "STRIKE (ban bypassed)" {
		t.Fatalf("forwards = %+v", fwd)
	}
}

func TestEngineSkipGatesAndDedup(t *testing.T) {
	t.Parallel()

	chatter := &fakeChatter{hasLocal: true, localContent: `{"verdict":"ok"}`}
	fx := newEngineFixture(t, moderation.EngineConfig{}, nil, chatter)
	ctx := context.Background()

	// Сервисное сообщение без пользователя.
	fx.engine.Evaluate(ctx, msgFrom(0, 60, "service event"))
	// Админ вне полигона.
	admin := msgFrom(40, 61, "admin says")
	admin.Admin = true
	fx.engine.Evaluate(ctx, admin)
	if chatter.localCalls != 0 {
		t.Fatal("service and admin messages must be skipped")
	}

	// Дубликат: одна пара (chat, msg) — одна оценка.
	m := msgFrom(41, 62, "hello")
	fx.engine.Evaluate(ctx, m)
	fx.engine.Evaluate(ctx, m)
	if chatter.localCalls != 1 {
		t.Fatalf("local calls = %d, want 1 (dedup)", chatter.localCalls)
	}
}

func TestEngineTestGroupModeratesAdmins(t *testing.T) {
	t.Parallel()

	chatter := &fakeChatter{hasLocal: true, localContent: `{"verdict":"ok","reason":"fine"}`}
	fx := newEngineFixture(t, moderation.EngineConfig{}, nil, chatter)

	m := msgFrom(42, 70, "admin in sandbox")
	m.Admin = true
	m.ChatTest = true
	fx.engine.Evaluate(context.Background(), m)

	if chatter.localCalls != 1 {
		t.Fatal("test group must moderate admins via the instant path")
	}
	// ok в полигоне виден в ревью.
	fwd := fx.actions.forwards
	if len(fwd) != 1 || fwd[0].verdict != "ok [TEST GROUP]" {
		t.Fatalf("forwards = %+v", fwd)
	}
}

// lastWarnings возвращает warnings_count последнего мгновенного payload.
func lastWarnings(t *testing.T, chatter *fakeChatter) int {
	t.Helper()
	var payload llm.Payload
	if err := json.Unmarshal([]byte(chatter.lastLocalMsgs[1].Content), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	return payload.Warnings
}

func TestEnginePrefilterWarningsRespectDryRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	// Dry-run: удаления нет, счётчик предупреждений не тронут.
	dry := &fakeChatter{hasLocal: true, localContent: `{"verdict":"ok"}`}
	fx := newEngineFixture(t, moderation.EngineConfig{DryRun: true}, []string{"spamword"}, dry)

	fx.engine.Evaluate(ctx, msgFrom(14, 11, "spamword inside"))
	if len(fx.actions.deletes) != 0 {
		t.Fatal("dry-run pre-filter must not issue delete RPC")
	}
	fwd := fx.actions.forwards
	if len(fwd) != 1 || fwd[0].verdict != "delete (pre-filter) [DRY RUN]" {
		t.Fatalf("forwards = %+v", fwd)
	}

	fx.engine.Evaluate(ctx, msgFrom(14, 12, "harmless"))
	if got := lastWarnings(t, dry); got != 0 {
		t.Fatalf("warnings_count = %d, want 0 after dry-run pre-filter", got)
	}

	// Боевой режим: тот же сценарий даёт предупреждение.
	live := &fakeChatter{hasLocal: true, localContent: `{"verdict":"ok"}`}
	fx = newEngineFixture(t, moderation.EngineConfig{}, []string{"spamword"}, live)

	fx.engine.Evaluate(ctx, msgFrom(14, 11, "spamword inside"))
	fx.engine.Evaluate(ctx, msgFrom(14, 12, "harmless"))
	if got := lastWarnings(t, live); got != 1 {
		t.Fatalf("warnings_count = %d, want 1 after live pre-filter", got)
	}
}

// lastBanLine вытаскивает строку «Last ban» из последнего текста статуса.
func lastBanLine(t *testing.T, poster *fakePoster) string {
	t.Helper()
	if len(poster.texts) == 0 {
		t.Fatal("no status edits recorded")
	}
	for _, line := range strings.Split(poster.texts[len(poster.texts)-1], "\n") {
		if strings.HasPrefix(line, "Last ban:") {
			return line
		}
	}
	t.Fatal("status text lacks the last-ban line")
	return ""
}

func TestEngineFailedBanNotInStatus(t *testing.T) {
	t.Parallel()

	chatter := &fakeChatter{
		hasLocal:     true,
		localContent: `{"verdict":"ban","reason":"scam","reply":"bye"}`,
	}
	fx := newEngineFixture(t, moderation.EngineConfig{}, nil, chatter)
	ctx := context.Background()

	// Отказ RPC: бан не состоялся, статус не должен его показывать.
	fx.actions.banErr = errors.New("CHAT_ADMIN_REQUIRED")
	fx.engine.Evaluate(ctx, msgFrom(50, 80, "obvious scam"))
	if len(fx.actions.bans) != 1 {
		t.Fatalf("ban attempts = %d, want 1", len(fx.actions.bans))
	}
	if got := lastBanLine(t, fx.poster); !strings.Contains(got, "—") {
		t.Fatalf("last-ban line after failed ban = %q, want dash", got)
	}

	// Удавшийся бан пробивает троттлинг и попадает в статус.
	fx.actions.banErr = nil
	fx.engine.Evaluate(ctx, msgFrom(51, 81, "another scam"))
	if got := lastBanLine(t, fx.poster); !strings.Contains(got, "2025-06-10 12:00") {
		t.Fatalf("last-ban line after ban = %q, want timestamp", got)
	}
}
