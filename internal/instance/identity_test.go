package instance

import "testing"

func TestNewIdentityCacheNilWithoutRedisAddr(t *testing.T) {
	if c := newIdentityCache(""); c != nil {
		t.Fatal("expected nil identity cache when redis_addr is unset")
	}
}

func TestNewIdentityCacheBuildsTieredCache(t *testing.T) {
	c := newIdentityCache("localhost:6379")
	if c == nil {
		t.Fatal("expected a non-nil identity cache when redis_addr is set")
	}
	t.Cleanup(func() { c.Close() })
}
