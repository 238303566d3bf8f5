// Пакет config отвечает за сбор и предоставление конфигурации всего приложения
// (модератор групповых чатов на MTProto). Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. загружает правила жёсткого пре-фильтра из JSON-файла (rules.json),
//  3. нормализует и валидирует входные значения,
//  4. предоставляет доступ к результату через singleton.
//
// Бизнес-контекст: env-конфиг управляет подключением к Telegram API, выбором
// LLM-провайдера (облако / локальный / оба), дневным бюджетом облачных
// запросов, режимом dry-run и путями персистентных файлов. Соглашение об
// именовании: префикс MODERATOR_, секция и ключ разделены «__»
// (например MODERATOR_TELEGRAM__API_ID).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// TelegramConfig — учётные данные и файлы сессии MTProto.
type TelegramConfig struct {
	APIID       int
	APIHash     string
	Phone       string
	SessionFile string
	ThrottleRPS int
}

// ModerationConfig описывает поведение пайплайна модерации.
type ModerationConfig struct {
	MonitoredGroups   []string // username или числовые id отслеживаемых групп
	ReviewGroup       string   // канал ревью: форварды флагов + статусное сообщение
	DryRun            bool
	RulesFile         string // JSON с hard_ban_keywords / hard_ban_regex
	UserCooldownSec   int
	ContextWindow     int
	MuteDurationSec   int
	NewcomerWindowH   int
	BatchMaxTokens    int
	SystemPromptPath  string
	TestGroupIDs      []int64 // группы, где модерируются даже админы (полигон)
	TrustedMinDays    int
	TrustedMinMessage int
}

// Допустимые значения LLMConfig.Provider.
const (
	ProviderCloud = "cloud"
	ProviderLocal = "local"
	ProviderBoth  = "both"
)

// LLMConfig — параметры обоих chat-completion эндпоинтов.
type LLMConfig struct {
	Provider    string // cloud | local | both
	APIKey      string
	Model       string
	Endpoint    string // base URL локального OpenAI-совместимого сервера
	CloudBase   string
	LocalModel  string
	MaxTokens   int
	Temperature float64
}

// QuotaConfig — дневной бюджет облачных запросов и прогрев локальной модели.
type QuotaConfig struct {
	DailyLimit       int
	WarmupIntervalMn int
}

// LoggingConfig — уровень и необязательный файл логов.
type LoggingConfig struct {
	Level string
	File  string
}

// DataConfig — пути персистентных файлов пайплайна.
type DataConfig struct {
	NewcomersFile  string
	QuotaFile      string
	ReputationFile string
	PeersCacheFile string
	StateFile      string
}

// Config агрегирует все секции. После Load значение неизменяемо.
type Config struct {
	Telegram   TelegramConfig
	Moderation ModerationConfig
	LLM        LLMConfig
	Quota      QuotaConfig
	Logging    LoggingConfig
	Data       DataConfig

	Rules Rules // загруженные правила пре-фильтра

	warnings []string
}

// Значения по умолчанию. Диапазоны соответствуют валидаторам ниже.
const (
	defaultSessionFile      = "data/session.bin"
	defaultStateFile        = "data/state.bbolt"
	defaultPeersCacheFile   = "data/peers_cache.bbolt"
	defaultNewcomersFile    = "data/newcomers.json"
	defaultQuotaFile        = "data/quota.json"
	defaultReputationFile   = "data/reputation.json"
	defaultRulesFile        = "assets/rules.json"
	defaultSystemPromptPath = "assets/system_prompt.md"
	defaultThrottleRPS      = 1
	defaultCooldownSec      = 60
	defaultContextWindow    = 15
	defaultMuteDurationSec  = 3600
	defaultNewcomerWindowH  = 24
	defaultBatchMaxTokens   = 3000
	defaultTrustedMinDays   = 7
	defaultTrustedMinMsgs   = 50
	defaultProvider         = "cloud"
	defaultCloudBase        = "https://openrouter.ai/api/v1"
	defaultLocalEndpoint    = "http://127.0.0.1:1234/v1"
	defaultCloudModel       = "google/gemini-2.0-flash-001"
	defaultLocalModel       = "gemma-3-4b"
	defaultLLMMaxTokens     = 500
	defaultTemperature      = 0.1
	defaultDailyLimit       = 1000
	defaultWarmupIntervalMn = 30
	defaultLogLevel         = "info"
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации. При первом
// вызове читает .env, формирует Config, загружает rules.json и фиксирует
// результат в singleton. Повторный вызов запрещён, чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// Get возвращает загруженный Config. Паника до Load — ошибка программиста.
func Get() *Config {
	if cfgInstance == nil {
		panic("config: Get before Load")
	}
	return cfgInstance
}

// Warnings возвращает накопленные предупреждения загрузки (подставленные
// дефолты, значения вне диапазона). Возвращается копия.
func (c *Config) Warnings() []string {
	result := make([]string, len(c.warnings))
	copy(result, c.warnings)
	return result
}

// loadConfig выполняет фактическую загрузку и валидацию без установки
// глобального состояния. Удобно для тестов.
func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		// .env необязателен: все значения могут прийти из окружения процесса.
		if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	var warnings []string
	cfg := &Config{}

	apiID, err := parseRequiredInt("MODERATOR_TELEGRAM__API_ID")
	if err != nil {
		return nil, err
	}
	apiHash := strings.TrimSpace(os.Getenv("MODERATOR_TELEGRAM__API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env MODERATOR_TELEGRAM__API_HASH must be set")
	}
	phone := strings.TrimSpace(os.Getenv("MODERATOR_TELEGRAM__PHONE"))
	if phone == "" {
		return nil, errors.New("env MODERATOR_TELEGRAM__PHONE must be set")
	}

	cfg.Telegram = TelegramConfig{
		APIID:       apiID,
		APIHash:     apiHash,
		Phone:       phone,
		SessionFile: stringDefault("MODERATOR_TELEGRAM__SESSION_NAME", defaultSessionFile, &warnings),
		ThrottleRPS: intDefault("MODERATOR_TELEGRAM__THROTTLE_RPS", defaultThrottleRPS, inRange(1, 30), &warnings),
	}

	cfg.Moderation = ModerationConfig{
		MonitoredGroups:   splitCSV(os.Getenv("MODERATOR_MODERATION__MONITORED_GROUPS")),
		ReviewGroup:       strings.TrimSpace(os.Getenv("MODERATOR_MODERATION__REVIEW_GROUP")),
		DryRun:            boolDefault("MODERATOR_MODERATION__DRY_RUN", false, &warnings),
		RulesFile:         stringDefault("MODERATOR_MODERATION__RULES_FILE", defaultRulesFile, &warnings),
		UserCooldownSec:   intDefault("MODERATOR_MODERATION__USER_COOLDOWN_SECONDS", defaultCooldownSec, inRange(0, 3600), &warnings),
		ContextWindow:     intDefault("MODERATOR_MODERATION__CONTEXT_WINDOW_MESSAGES", defaultContextWindow, inRange(0, 100), &warnings),
		MuteDurationSec:   intDefault("MODERATOR_MODERATION__MUTE_DURATION_SECONDS", defaultMuteDurationSec, inRange(60, 31536000), &warnings),
		NewcomerWindowH:   intDefault("MODERATOR_MODERATION__NEWCOMER_WINDOW_HOURS", defaultNewcomerWindowH, inRange(1, 720), &warnings),
		BatchMaxTokens:    intDefault("MODERATOR_MODERATION__BATCH_MAX_TOKENS", defaultBatchMaxTokens, inRange(500, 30000), &warnings),
		SystemPromptPath:  stringDefault("MODERATOR_MODERATION__SYSTEM_PROMPT_PATH", defaultSystemPromptPath, &warnings),
		TestGroupIDs:      splitIDs(os.Getenv("MODERATOR_MODERATION__TEST_GROUP_IDS"), &warnings),
		TrustedMinDays:    intDefault("MODERATOR_MODERATION__TRUSTED_MIN_DAYS", defaultTrustedMinDays, inRange(1, 365), &warnings),
		TrustedMinMessage: intDefault("MODERATOR_MODERATION__TRUSTED_MIN_MESSAGES", defaultTrustedMinMsgs, inRange(1, 100000), &warnings),
	}

	cfg.LLM = LLMConfig{
		Provider:    providerDefault(os.Getenv("MODERATOR_LLM__PROVIDER"), &warnings),
		APIKey:      strings.TrimSpace(os.Getenv("MODERATOR_LLM__API_KEY")),
		Model:       stringDefault("MODERATOR_LLM__MODEL", defaultCloudModel, &warnings),
		Endpoint:    stringDefault("MODERATOR_LLM__ENDPOINT", defaultLocalEndpoint, &warnings),
		CloudBase:   stringDefault("MODERATOR_LLM__CLOUD_BASE", defaultCloudBase, &warnings),
		LocalModel:  stringDefault("MODERATOR_LLM__LOCAL_MODEL", defaultLocalModel, &warnings),
		MaxTokens:   intDefault("MODERATOR_LLM__MAX_TOKENS", defaultLLMMaxTokens, inRange(50, 4000), &warnings),
		Temperature: floatDefault("MODERATOR_LLM__TEMPERATURE", defaultTemperature, 0.0, 2.0, &warnings),
	}

	cfg.Quota = QuotaConfig{
		DailyLimit:       intDefault("MODERATOR_QUOTA__DAILY_LIMIT", defaultDailyLimit, inRange(1, 1000000), &warnings),
		WarmupIntervalMn: intDefault("MODERATOR_QUOTA__WARMUP_INTERVAL_MINUTES", defaultWarmupIntervalMn, inRange(5, 1440), &warnings),
	}

	cfg.Logging = LoggingConfig{
		Level: levelDefault(os.Getenv("MODERATOR_LOGGING__LEVEL"), &warnings),
		File:  strings.TrimSpace(os.Getenv("MODERATOR_LOGGING__FILE")),
	}

	cfg.Data = DataConfig{
		NewcomersFile:  stringDefault("MODERATOR_DATA__NEWCOMERS_FILE", defaultNewcomersFile, &warnings),
		QuotaFile:      stringDefault("MODERATOR_DATA__QUOTA_FILE", defaultQuotaFile, &warnings),
		ReputationFile: stringDefault("MODERATOR_DATA__REPUTATION_FILE", defaultReputationFile, &warnings),
		PeersCacheFile: stringDefault("MODERATOR_DATA__PEERS_CACHE_FILE", defaultPeersCacheFile, &warnings),
		StateFile:      stringDefault("MODERATOR_DATA__STATE_FILE", defaultStateFile, &warnings),
	}

	if err = cfg.checkPlaceholders(); err != nil {
		return nil, err
	}

	rules, err := LoadRules(cfg.Moderation.RulesFile)
	if err != nil {
		return nil, err
	}
	cfg.Rules = rules

	cfg.warnings = warnings
	return cfg, nil
}

// checkPlaceholders останавливает запуск, если учётные данные остались
// шаблонными: молчаливый старт с ними приводит к бесконечным ошибкам авторизации.
func (c *Config) checkPlaceholders() error {
	if c.Telegram.APIID == 12345678 {
		return errors.New("telegram api_id is still using the placeholder value")
	}
	if c.Telegram.APIHash == "your_api_hash_here" {
		return fmt.Errorf("telegram api_hash is still using the placeholder: %s", c.Telegram.APIHash)
	}
	if strings.ContainsRune(c.Telegram.Phone, 'X') {
		return fmt.Errorf("telegram phone is still using the placeholder: %s", c.Telegram.Phone)
	}
	if (c.LLM.Provider == "cloud" || c.LLM.Provider == "both") && c.LLM.APIKey == "" {
		return errors.New("llm api_key must be set for cloud provider")
	}
	if c.LLM.APIKey == "your_cloud_api_key" {
		return errors.New("llm api_key is still using the placeholder value")
	}
	return nil
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Без неё приложение не стартует.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// intDefault читает name как int. Если пусто/некорректно/вне диапазона —
// возвращает defaultVal и пишет предупреждение. Это позволяет не падать на
// несущественных настройках и иметь дефолты.
func intDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// floatDefault читает name как float64 с диапазоном [min, max].
func floatDefault(name string, defaultVal, min, max float64, warnings *[]string) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid number; using default %g", name, value, defaultVal)
		return defaultVal
	}
	if v < min || v > max {
		appendWarningf(warnings, "env %s value %g is out of range [%g, %g]; using default %g", name, v, min, max, defaultVal)
		return defaultVal
	}
	return v
}

// boolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal.
func boolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// stringDefault возвращает значение переменной либо fallback.
func stringDefault(name, fallback string, _ *[]string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return fallback
	}
	return v
}

// levelDefault нормализует уровень логирования и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в info.
func levelDefault(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	switch lvl {
	case "":
		return defaultLogLevel
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env MODERATOR_LOGGING__LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

// providerDefault нормализует выбор LLM-провайдера: cloud | local | both.
func providerDefault(value string, warnings *[]string) string {
	p := strings.ToLower(strings.TrimSpace(value))
	switch p {
	case "":
		return defaultProvider
	case "cloud", "local", "both":
		return p
	default:
		appendWarningf(warnings, "env MODERATOR_LLM__PROVIDER value %q is invalid; using default %q", value, defaultProvider)
		return defaultProvider
	}
}

// splitCSV разбирает список значений, разделённых запятыми, отбрасывая пустые.
func splitCSV(value string) []string {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		token := strings.TrimSpace(part)
		if token != "" {
			result = append(result, token)
		}
	}
	return result
}

// splitIDs разбирает CSV числовых идентификаторов; некорректные записи
// пропускаются с предупреждением.
func splitIDs(value string, warnings *[]string) []int64 {
	tokens := splitCSV(value)
	if len(tokens) == 0 {
		return nil
	}
	result := make([]int64, 0, len(tokens))
	for _, token := range tokens {
		id, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			appendWarningf(warnings, "test group id %q is not a valid integer; skipped", token)
			continue
		}
		result = append(result, id)
	}
	return result
}

// appendWarningf — служебная функция для накопления предупреждений о
// некорректных переменных окружения.
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// inRange возвращает валидатор принадлежности отрезку [min, max].
func inRange(min, max int) func(int) bool {
	return func(v int) bool { return v >= min && v <= max }
}
