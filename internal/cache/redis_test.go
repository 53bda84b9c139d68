package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/steemit/hivefeed/internal/models"
)

func TestHashKey(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
	}{
		{
			name:  "single part",
			parts: []string{"test"},
		},
		{
			name:  "multiple parts",
			parts: []string{"test", "key", "with", "many", "parts"},
		},
		{
			name:  "empty parts",
			parts: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hashed1 := HashKey(tt.parts...)
			hashed2 := HashKey(tt.parts...)

			// Hash should be consistent
			if hashed1 != hashed2 {
				t.Errorf("HashKey() should be consistent, got %s and %s", hashed1, hashed2)
			}

			// Hash should be 32 characters (MD5 hex)
			if len(hashed1) != 32 {
				t.Errorf("HashKey() should return 32 character hex string, got length %d", len(hashed1))
			}
		})
	}

	if HashKey("ab", "c") == HashKey("a", "bc") {
		t.Error("HashKey() should keep part boundaries")
	}
}

func TestCache_NamespaceKey(t *testing.T) {
	cache := &Cache{}

	tests := []struct {
		name     string
		key      string
		expected string
	}{
		{
			name:     "simple key",
			key:      "test",
			expected: "hivefeed:test",
		},
		{
			name:     "key with colon",
			key:      "feed:user:1",
			expected: "hivefeed:feed:user:1",
		},
		{
			name:     "empty key",
			key:      "",
			expected: "hivefeed:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := cache.namespaceKey(tt.key)
			if result != tt.expected {
				t.Errorf("namespaceKey() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"generation", generationKey(42), "feed:user:42:gen"},
		{"post", postKey(7), "post:7"},
		{"page", pageKey(42, "3", "x"), "feed:user:42:3:" + HashKey("x")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("key = %v, want %v", tt.got, tt.expected)
			}
		})
	}
}

func TestNilCache(t *testing.T) {
	var c *Cache
	ctx := context.Background()

	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheDisabled) {
		t.Errorf("Get() error = %v, want ErrCacheDisabled", err)
	}
	if err := c.Delete(ctx, "k"); !errors.Is(err, ErrCacheDisabled) {
		t.Errorf("Delete() error = %v, want ErrCacheDisabled", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v, want nil", err)
	}
}

func TestGatewayDisabled(t *testing.T) {
	g := NewGateway(nil, 0)
	ctx := context.Background()

	if err := g.ForgetForUser(ctx, 1); err != nil {
		t.Errorf("ForgetForUser() error = %v", err)
	}
	if err := g.ForgetForUsers(ctx, []int64{1, 2}); err != nil {
		t.Errorf("ForgetForUsers() error = %v", err)
	}
	if err := g.ForgetForPost(ctx, &models.Post{ID: 1}); err != nil {
		t.Errorf("ForgetForPost() error = %v", err)
	}
	if err := g.StoreFeedPage(ctx, 1, "[]", "page"); err != nil {
		t.Errorf("StoreFeedPage() error = %v", err)
	}
	if _, ok := g.FeedPage(ctx, 1, "page"); ok {
		t.Error("FeedPage() hit on disabled cache")
	}
}
