package relay

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(reuse time.Duration) (*ContextCache, *time.Time) {
	cache := NewContextCache(reuse, nil)
	now := time.Now()
	cache.now = func() time.Time { return now }
	return cache, &now
}

func seededContext(messages int) *ConversationContext {
	ctx := NewConversationContext()
	for i := 0; i < messages; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		ctx.Add(role, fmt.Sprintf("message %d", i))
	}
	return ctx
}

func TestCacheHitWithinWindow(t *testing.T) {
	cache, now := newTestCache(300 * time.Second)
	cache.Put("speaker-1", seededContext(5))

	*now = now.Add(299 * time.Second)
	got := cache.Get("speaker-1")
	require.NotNil(t, got)
	assert.Equal(t, 5, got.Len())
}

func TestCacheExpiresLazily(t *testing.T) {
	cache, now := newTestCache(300 * time.Second)
	cache.Put("speaker-1", seededContext(3))
	assert.Equal(t, 1, cache.Len())

	*now = now.Add(300 * time.Second)
	assert.Nil(t, cache.Get("speaker-1"))
	// Expired entry is purged by the lookup.
	assert.Equal(t, 0, cache.Len())
}

func TestCacheLastWriteWins(t *testing.T) {
	cache, _ := newTestCache(300 * time.Second)
	cache.Put("speaker-1", seededContext(2))
	cache.Put("speaker-1", seededContext(7))

	got := cache.Get("speaker-1")
	require.NotNil(t, got)
	assert.Equal(t, 7, got.Len())
	assert.Equal(t, 1, cache.Len())
}

func TestTakeForResumeConsumesEntry(t *testing.T) {
	cache, _ := newTestCache(300 * time.Second)
	cache.Put("speaker-1", seededContext(5))

	resumed := cache.TakeForResume("speaker-1")
	require.NotNil(t, resumed)
	assert.Equal(t, 5, resumed.Len())

	// Second connection within the window finds nothing.
	assert.Nil(t, cache.TakeForResume("speaker-1"))
	assert.Nil(t, cache.Get("speaker-1"))
}

func TestTakeForResumeClonesMessages(t *testing.T) {
	cache, _ := newTestCache(300 * time.Second)
	original := seededContext(2)
	cache.Put("speaker-1", original)

	resumed := cache.TakeForResume("speaker-1")
	require.NotNil(t, resumed)
	resumed.Add("user", "new message after resume")

	assert.Equal(t, 3, resumed.Len())
	assert.Equal(t, 2, original.Len())
}

func TestTakeForResumeExpired(t *testing.T) {
	cache, now := newTestCache(300 * time.Second)
	cache.Put("speaker-1", seededContext(5))

	*now = now.Add(301 * time.Second)
	assert.Nil(t, cache.TakeForResume("speaker-1"))
}

func TestCacheIsolatesDevices(t *testing.T) {
	cache, _ := newTestCache(300 * time.Second)
	cache.Put("speaker-1", seededContext(1))
	cache.Put("speaker-2", seededContext(4))

	got := cache.TakeForResume("speaker-2")
	require.NotNil(t, got)
	assert.Equal(t, 4, got.Len())
	assert.NotNil(t, cache.Get("speaker-1"))
}

func TestPutNilContextIgnored(t *testing.T) {
	cache, _ := newTestCache(300 * time.Second)
	cache.Put("speaker-1", nil)
	assert.Equal(t, 0, cache.Len())
}
