package moderation_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"telegram-moderator/internal/domain/llm"
	"telegram-moderator/internal/domain/moderation"
)

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	cases := []struct {
		text string
		want int
	}{
		{"", 1},
		{"abc", 1},
		{"abcd", 1},
		{strings.Repeat("a", 20), 5},
		{strings.Repeat("ы", 20), 5}, // считаем руны, не байты
	}
	for _, tc := range cases {
		if got := moderation.EstimateTokens(tc.text); got != tc.want {
			t.Fatalf("EstimateTokens(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func enqueue(q *moderation.BatchQueue, id int, text string) {
	q.Add(llm.Payload{Text: text, Sender: "user"}, &moderation.Message{ChatID: -1, ID: id, Text: text})
}

func TestBatchQueueThresholdSignal(t *testing.T) {
	t.Parallel()

	// Порог 20 токенов, сообщения по 20 символов — 5 токенов каждое.
	q := moderation.NewBatchQueue(20, nil)
	text := strings.Repeat("a", 20)

	for i := 0; i < 3; i++ {
		enqueue(q, i, text)
	}
	if got := q.EstimatedTokens(); got != 15 {
		t.Fatalf("EstimatedTokens() = %d, want 15", got)
	}

	flushed := make(chan int, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, func() time.Duration { return time.Hour }, nil, func() {
		flushed <- len(q.Drain())
	})

	// Четвёртое сообщение выводит сумму ровно на порог: флаш не ждёт таймера.
	enqueue(q, 3, text)
	select {
	case n := <-flushed:
		if n != 4 {
			t.Fatalf("flushed %d items, want 4", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flush signal not raised at exact token threshold")
	}
}

func TestBatchQueueTimerTick(t *testing.T) {
	t.Parallel()

	q := moderation.NewBatchQueue(1000, nil)
	ticks := make(chan struct{}, 16)
	flushes := make(chan struct{}, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Интервал короче пола в 1s запрашивается, но цикл ждёт минимум секунду.
	go q.Run(ctx, func() time.Duration { return time.Millisecond }, func() {
		ticks <- struct{}{}
	}, func() {
		q.Drain()
		flushes <- struct{}{}
	})

	// Пустая очередь: tick приходит, flush — нет.
	select {
	case <-ticks:
	case <-time.After(3 * time.Second):
		t.Fatal("tick callback not invoked on timer")
	}
	select {
	case <-flushes:
		t.Fatal("flush callback invoked on empty queue")
	default:
	}

	// Непустая очередь: следующий таймер приводит к флашу.
	enqueue(q, 1, "hello there")
	select {
	case <-flushes:
	case <-time.After(3 * time.Second):
		t.Fatal("flush callback not invoked for non-empty queue")
	}
	if q.Size() != 0 {
		t.Fatalf("Size() after flush = %d, want 0", q.Size())
	}
}

func TestBatchQueueDrainOrder(t *testing.T) {
	t.Parallel()

	q := moderation.NewBatchQueue(1000, nil)
	for i := 0; i < 5; i++ {
		enqueue(q, i, "message")
	}

	items := q.Drain()
	if len(items) != 5 {
		t.Fatalf("Drain() len = %d, want 5", len(items))
	}
	for i, item := range items {
		if item.Msg.ID != i {
			t.Fatalf("items[%d].Msg.ID = %d, want %d", i, item.Msg.ID, i)
		}
	}
	if q.Size() != 0 || q.EstimatedTokens() != 0 {
		t.Fatal("queue not empty after drain")
	}
}

func TestBuildBatchPromptRoundTrip(t *testing.T) {
	t.Parallel()

	q := moderation.NewBatchQueue(1000, nil)
	enqueue(q, 100, "first")
	enqueue(q, 200, "second")
	items := q.Drain()

	prompt, err := moderation.BuildBatchPrompt(items)
	if err != nil {
		t.Fatalf("BuildBatchPrompt: %v", err)
	}

	var decoded []map[string]any
	if err := json.Unmarshal([]byte(prompt), &decoded); err != nil {
		t.Fatalf("prompt is not valid JSON: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("prompt items = %d, want 2", len(decoded))
	}
	if decoded[0]["index"].(float64) != 0 || decoded[0]["message_id"].(float64) != 100 {
		t.Fatalf("decoded[0] = %#v", decoded[0])
	}
	if decoded[1]["text"].(string) != "second" {
		t.Fatalf("decoded[1] = %#v", decoded[1])
	}

	// Мок модели возвращает массив ok той же длины — разбор сходится один в один.
	echo := `[{"index":0,"verdict":"ok"},{"index":1,"verdict":"ok"}]`
	verdicts := moderation.ParseBatchVerdicts(echo, len(items))
	if len(verdicts) != len(items) {
		t.Fatalf("verdicts = %d, want %d", len(verdicts), len(items))
	}
	for i, v := range verdicts {
		if v.Action != moderation.ActionOK || v.Index != i {
			t.Fatalf("verdicts[%d] = %+v", i, v)
		}
	}
}
