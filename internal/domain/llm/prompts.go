// Package llm инкапсулирует работу с политикой-моделью: сборку промптов с
// скользящим окном контекста и клиент chat-completions с двумя эндпоинтами
// (облачным и локальным) и failover между ними.
package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-faster/errors"
	openai "github.com/sashabaranov/go-openai"
)

// Payload — то, что модель получает о сообщении. Сериализуется в JSON и
// кладётся в user-сообщение целиком.
type Payload struct {
	Text     string   `json:"text"`
	Sender   string   `json:"sender"`
	Context  []string `json:"context,omitempty"`
	Warnings int      `json:"warnings_count"`
}

// ContextRing — скользящее окно последних сообщений чата: кольцевой буфер
// фиксированной ёмкости с монотонным счётчиком записей. В окно попадают все
// сообщения, включая пропущенные модерацией: модели нужен разговор, а не
// только подозрительные реплики.
type ContextRing struct {
	mu      sync.Mutex
	entries []string
	total   uint64 // монотонный счётчик добавлений
}

// NewContextRing создаёт окно ёмкостью capacity записей. Нулевая ёмкость
// допустима: окно всегда пусто.
func NewContextRing(capacity int) *ContextRing {
	return &ContextRing{entries: make([]string, capacity)}
}

// Add добавляет реплику в окно, вытесняя самую старую при переполнении.
func (r *ContextRing) Add(sender, text string) {
	if len(r.entries) == 0 {
		return
	}
	r.mu.Lock()
	r.entries[r.total%uint64(len(r.entries))] = fmt.Sprintf("%s: %s", sender, text)
	r.total++
	r.mu.Unlock()
}

// Snapshot возвращает содержимое окна от старых к новым.
func (r *ContextRing) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	capacity := uint64(len(r.entries))
	if capacity == 0 || r.total == 0 {
		return nil
	}
	n := r.total
	if n > capacity {
		n = capacity
	}
	out := make([]string, 0, n)
	for i := r.total - n; i < r.total; i++ {
		out = append(out, r.entries[i%capacity])
	}
	return out
}

// Len возвращает число записей в окне.
func (r *ContextRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.total; n < uint64(len(r.entries)) {
		return int(n)
	}
	return len(r.entries)
}

// PromptBuilder собирает сообщения chat-completions из системного промпта и
// окна контекста.
type PromptBuilder struct {
	systemPrompt string
	ring         *ContextRing
}

// NewPromptBuilder читает системный промпт из markdown-файла. Нечитаемый файл
// — ошибка конфигурации, падаем на старте.
func NewPromptBuilder(promptPath string, contextWindow int) (*PromptBuilder, error) {
	data, err := os.ReadFile(filepath.Clean(promptPath))
	if err != nil {
		return nil, errors.Wrapf(err, "read system prompt %s", promptPath)
	}
	return &PromptBuilder{
		systemPrompt: string(data),
		ring:         NewContextRing(contextWindow),
	}, nil
}

// SystemPrompt возвращает текст политики.
func (b *PromptBuilder) SystemPrompt() string { return b.systemPrompt }

// Ring возвращает окно контекста (движок добавляет туда каждое сообщение).
func (b *PromptBuilder) Ring() *ContextRing { return b.ring }

// BuildPayload собирает полезную нагрузку для одного сообщения. При
// withContext=false окно не прикладывается: батчевый путь несёт контекст в
// системном промпте, а мгновенный путь сбрасывает контекст при переполнении
// локальной модели.
func (b *PromptBuilder) BuildPayload(text, sender string, warnings int, withContext bool) Payload {
	p := Payload{Text: text, Sender: sender, Warnings: warnings}
	if withContext {
		p.Context = b.ring.Snapshot()
	}
	return p
}

// Messages упаковывает полезную нагрузку в пару system+user.
func (b *PromptBuilder) Messages(p Payload) []openai.ChatCompletionMessage {
	body, err := json.Marshal(p)
	if err != nil {
		// Payload состоит из строк и чисел, Marshal не ошибается.
		body = []byte(p.Text)
	}
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: b.systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: string(body)},
	}
}

// batchInstruction дописывается к системному промпту при батчевом запросе.
const batchInstruction = "\n\nYou will receive a JSON ARRAY of messages. " +
	"Return a JSON ARRAY of verdicts, one per message, in the same order, " +
	"each carrying the matching \"index\" field."

// BatchMessages упаковывает готовый JSON-массив сообщений батча.
func (b *PromptBuilder) BatchMessages(batchJSON string) []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: b.systemPrompt + batchInstruction},
		{Role: openai.ChatMessageRoleUser, Content: batchJSON},
	}
}
