package moderation_test

import (
	"testing"

	"telegram-moderator/internal/domain/moderation"
)

func TestProcessedCacheSeen(t *testing.T) {
	t.Parallel()

	c := moderation.NewProcessedCache(100)
	key := moderation.Key{ChatID: -100123, MsgID: 42}

	if c.Seen(key) {
		t.Fatal("fresh key reported as seen")
	}
	if !c.Seen(key) {
		t.Fatal("repeated key reported as fresh")
	}

	// Тот же msg_id в другом чате — другой ключ.
	if c.Seen(moderation.Key{ChatID: -100999, MsgID: 42}) {
		t.Fatal("key from another chat reported as seen")
	}
}

func TestProcessedCacheEviction(t *testing.T) {
	t.Parallel()

	c := moderation.NewProcessedCache(10)
	for i := 0; i < 25; i++ {
		c.Seen(moderation.Key{ChatID: -1, MsgID: i})
	}
	if got := c.Len(); got != 10 {
		t.Fatalf("Len() = %d, want 10", got)
	}
	// Самый старый ключ вытеснен и выглядит как новый.
	if c.Seen(moderation.Key{ChatID: -1, MsgID: 0}) {
		t.Fatal("evicted key reported as seen")
	}
}

func TestProcessedCacheConcurrent(t *testing.T) {
	t.Parallel()

	c := moderation.NewProcessedCache(1000)
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				c.Seen(moderation.Key{ChatID: int64(g), MsgID: i})
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	if got := c.Len(); got != 1000 {
		t.Fatalf("Len() = %d after concurrent writes, want 1000", got)
	}
}
