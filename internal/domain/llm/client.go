package llm

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	openai "github.com/sashabaranov/go-openai"

	"telegram-moderator/internal/infra/config"
	"telegram-moderator/internal/infra/logger"
)

// Имена эндпоинтов в ChatResponse.Provider и логах.
const (
	ProviderCloud = "cloud"
	ProviderLocal = "local"
)

const defaultMaxRetries = 3

// ErrAllEndpointsFailed — все эндпоинты исчерпали попытки.
var ErrAllEndpointsFailed = errors.New("llm: all endpoints failed")

// ChatResponse — нормализованный ответ модели.
type ChatResponse struct {
	Content      string
	FinishReason string
	TotalTokens  int
	Provider     string // какой эндпоинт ответил
}

// endpoint — один chat-completions бэкенд.
type endpoint struct {
	name   string
	client *openai.Client
	model  string
}

// Client — клиент политики-модели поверх двух OpenAI-совместимых эндпоинтов.
// Порядок failover фиксирован конструированием: облако первым, локальная
// модель второй. Прямые варианты ChatCloud/ChatLocal обходят failover — так
// движок жёстко задаёт маршрут (батч всегда в облако, новички всегда локально).
type Client struct {
	endpoints   []endpoint
	byName      map[string]endpoint
	maxTokens   int
	temperature float32
	maxRetries  int

	// Подменяется в тестах, чтобы не спать настоящие секунды бэкоффа.
	sleep func(ctx context.Context, d time.Duration) error
}

// headerTransport добавляет к каждому запросу информационные заголовки
// интеграции (OpenRouter учитывает их в аналитике).
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

func newHTTPClient(extraHeaders map[string]string) *http.Client {
	transport := http.RoundTripper(&http.Transport{
		DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
	})
	if len(extraHeaders) > 0 {
		transport = &headerTransport{base: transport, headers: extraHeaders}
	}
	return &http.Client{Timeout: 60 * time.Second, Transport: transport}
}

// New создаёт клиент по конфигурации. provider выбирает активные эндпоинты:
// cloud, local или both (failover).
func New(cfg config.LLMConfig) *Client {
	c := &Client{
		byName:      make(map[string]endpoint),
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
		maxRetries:  defaultMaxRetries,
		sleep:       sleepCtx,
	}
	if cfg.Provider == config.ProviderCloud || cfg.Provider == config.ProviderBoth {
		oc := openai.DefaultConfig(cfg.APIKey)
		oc.BaseURL = cfg.CloudBase
		oc.HTTPClient = newHTTPClient(map[string]string{
			"HTTP-Referer": "https://github.com/telegram-moderator",
			"X-Title":      "telegram-moderator",
		})
		ep := endpoint{name: ProviderCloud, client: openai.NewClientWithConfig(oc), model: cfg.Model}
		c.endpoints = append(c.endpoints, ep)
		c.byName[ProviderCloud] = ep
	}
	if cfg.Provider == config.ProviderLocal || cfg.Provider == config.ProviderBoth {
		oc := openai.DefaultConfig("")
		oc.BaseURL = cfg.Endpoint
		oc.HTTPClient = newHTTPClient(nil)
		ep := endpoint{name: ProviderLocal, client: openai.NewClientWithConfig(oc), model: cfg.LocalModel}
		c.endpoints = append(c.endpoints, ep)
		c.byName[ProviderLocal] = ep
	}
	return c
}

// HasCloud сообщает, доступен ли облачный эндпоинт.
func (c *Client) HasCloud() bool { _, ok := c.byName[ProviderCloud]; return ok }

// HasLocal сообщает, доступен ли локальный эндпоинт.
func (c *Client) HasLocal() bool { _, ok := c.byName[ProviderLocal]; return ok }

// statusOf достаёт HTTP-статус из ошибки go-openai. ok=false — статуса нет,
// значит запрос не дошёл до сервера (connect error, таймаут).
func statusOf(err error) (int, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return reqErr.HTTPStatusCode, true
	}
	return 0, false
}

// IsBadRequest распознаёт HTTP 400 — у локальной модели это переполнение
// контекста, движок в ответ перестраивает запрос без окна контекста.
func IsBadRequest(err error) bool {
	status, ok := statusOf(err)
	return ok && status == http.StatusBadRequest
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// call выполняет запрос к одному эндпоинту с ретраями. Политика:
// 429 и 5xx — экспоненциальный бэкофф 2^attempt секунд; connect error —
// немедленный выход (пусть failover пробует следующий эндпоинт); прочие
// 4xx — перманентная ошибка без ретраев.
func (c *Client) call(ctx context.Context, ep endpoint, msgs []openai.ChatCompletionMessage) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		resp, err := ep.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       ep.model,
			Messages:    msgs,
			MaxTokens:   c.maxTokens,
			Temperature: c.temperature,
		})
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, errors.Errorf("llm: %s returned no choices", ep.name)
			}
			choice := resp.Choices[0]
			return &ChatResponse{
				Content:      choice.Message.Content,
				FinishReason: string(choice.FinishReason),
				TotalTokens:  resp.Usage.TotalTokens,
				Provider:     ep.name,
			}, nil
		}
		lastErr = err

		status, ok := statusOf(err)
		switch {
		case !ok:
			// До сервера не достучались, ретраи бессмысленны.
			return nil, errors.Wrapf(err, "llm: %s connect", ep.name)
		case status == http.StatusTooManyRequests || status >= 500:
			if attempt < c.maxRetries-1 {
				backoff := time.Duration(1<<uint(attempt)) * time.Second
				logger.Warnf("llm: %s status %d, retry in %v (attempt %d/%d)", ep.name, status, backoff, attempt+1, c.maxRetries)
				if serr := c.sleep(ctx, backoff); serr != nil {
					return nil, serr
				}
			}
		default:
			return nil, errors.Wrapf(err, "llm: %s permanent failure", ep.name)
		}
	}
	return nil, errors.Wrapf(lastErr, "llm: %s retries exhausted", ep.name)
}

// Chat отправляет запрос с failover по активным эндпоинтам в порядке
// конструирования (облако первым).
func (c *Client) Chat(ctx context.Context, msgs []openai.ChatCompletionMessage) (*ChatResponse, error) {
	var lastErr error
	for _, ep := range c.endpoints {
		resp, err := c.call(ctx, ep, msgs)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if status, ok := statusOf(err); ok && status != http.StatusTooManyRequests && status < 500 {
			// Перманентная ошибка: другой эндпоинт ответит так же.
			return nil, err
		}
		logger.Warnf("llm: endpoint %s failed, trying next: %v", ep.name, err)
	}
	if lastErr != nil {
		return nil, errors.Wrap(lastErr, ErrAllEndpointsFailed.Error())
	}
	return nil, ErrAllEndpointsFailed
}

// ChatCloud отправляет запрос только в облако.
func (c *Client) ChatCloud(ctx context.Context, msgs []openai.ChatCompletionMessage) (*ChatResponse, error) {
	ep, ok := c.byName[ProviderCloud]
	if !ok {
		return nil, errors.New("llm: cloud endpoint not configured")
	}
	return c.call(ctx, ep, msgs)
}

// ChatLocal отправляет запрос только в локальную модель.
func (c *Client) ChatLocal(ctx context.Context, msgs []openai.ChatCompletionMessage) (*ChatResponse, error) {
	ep, ok := c.byName[ProviderLocal]
	if !ok {
		return nil, errors.New("llm: local endpoint not configured")
	}
	return c.call(ctx, ep, msgs)
}

// WarmUpLocal шлёт минимальный запрос с текущим системным промптом, чтобы
// локальный сервер прогрел KV-кэш. Результат справочный: неудача логируется
// вызывающим и не фатальна.
func (c *Client) WarmUpLocal(ctx context.Context, systemPrompt string) error {
	ep, ok := c.byName[ProviderLocal]
	if !ok {
		return errors.New("llm: local endpoint not configured")
	}
	_, err := ep.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: ep.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
		MaxTokens:   1,
		Temperature: 0,
	})
	if err != nil {
		return errors.Wrap(err, "llm: warm-up")
	}
	return nil
}
