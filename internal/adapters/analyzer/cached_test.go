package analyzer

import (
	"context"
	"testing"
	"time"

	"tg-media-vault/internal/domain"
)

type stubCache struct {
	values map[string][]byte
	locks  map[string]bool
	sets   int
}

func newStubCache() *stubCache {
	return &stubCache{values: make(map[string][]byte), locks: make(map[string]bool)}
}

func (s *stubCache) Once(key string, _ time.Duration, fn func() error) error {
	if s.locks[key] {
		return nil
	}
	s.locks[key] = true
	if err := fn(); err != nil {
		delete(s.locks, key)
		return err
	}
	return nil
}

func (s *stubCache) Set(key string, value []byte, _ time.Duration) error {
	s.values[key] = value
	s.sets++
	return nil
}

func (s *stubCache) Get(key string) ([]byte, error) {
	value, ok := s.values[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return value, nil
}

type countingAnalyzer struct {
	calls  int
	result *domain.ProductInfo
}

func (c *countingAnalyzer) Analyze(_ context.Context, _ string) (*domain.ProductInfo, error) {
	c.calls++
	return c.result, nil
}

func TestCachedAnalyzerRunsAnalysisOnce(t *testing.T) {
	inner := &countingAnalyzer{result: &domain.ProductInfo{ProductName: "WidgetX", ProductCode: "AB12345"}}
	cache := newStubCache()
	cached := NewCached(inner, cache, time.Hour)

	for i := 0; i < 3; i++ {
		info, err := cached.Analyze(context.Background(), "WidgetX #AB12345")
		if err != nil {
			t.Fatalf("неожиданная ошибка: %v", err)
		}
		if info == nil || info.ProductCode != "AB12345" {
			t.Fatalf("результат анализа должен возвращаться каждый раз, получено %+v", info)
		}
	}
	// Первый вызов анализирует под маркером, остальные берут кэш.
	if inner.calls != 1 {
		t.Fatalf("ожидался ровно один вызов анализатора, получено %d", inner.calls)
	}
}

func TestCachedAnalyzerFallsBackWhenLockHeld(t *testing.T) {
	inner := &countingAnalyzer{result: &domain.ProductInfo{ProductName: "WidgetX"}}
	cache := newStubCache()
	// Маркер уже удерживает другой воркер, результата в кэше ещё нет.
	cache.locks[captionKey("WidgetX #AB12345")+":lock"] = true
	cached := NewCached(inner, cache, time.Hour)

	info, err := cached.Analyze(context.Background(), "WidgetX #AB12345")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if info == nil || info.ProductName != "WidgetX" {
		t.Fatalf("ожидание чужого маркера не должно терять результат, получено %+v", info)
	}
	if inner.calls != 1 {
		t.Fatalf("при занятом маркере анализ идёт напрямую, вызовов %d", inner.calls)
	}
	if cache.sets != 0 {
		t.Fatalf("кэш заполняет только владелец маркера, записей %d", cache.sets)
	}
}

func TestCachedAnalyzerUsesResultOfLockOwner(t *testing.T) {
	inner := &countingAnalyzer{}
	cache := newStubCache()
	cache.locks[captionKey("WidgetX #AB12345")+":lock"] = true
	cache.values[captionKey("WidgetX #AB12345")] = []byte(`{"product_name":"WidgetX","product_code":"AB12345"}`)
	cached := NewCached(inner, cache, time.Hour)

	info, err := cached.Analyze(context.Background(), "WidgetX #AB12345")
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if info == nil || info.ProductCode != "AB12345" {
		t.Fatalf("готовый результат владельца маркера должен использоваться, получено %+v", info)
	}
	if inner.calls != 0 {
		t.Fatalf("повторный анализ не нужен, вызовов %d", inner.calls)
	}
}
