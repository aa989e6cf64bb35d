package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tg-media-vault/internal/domain"
)

// onceTTL ограничивает время удержания маркера single-flight: если воркер
// умер посреди анализа, подпись снова станет доступна для анализа.
const onceTTL = 30 * time.Second

// CachedAnalyzer мемоизирует результат анализа по тексту подписи: повторные
// доставки той же подписи не запускают анализ заново. Кэшируется и пустой
// результат — «ничего не извлечено» тоже ответ. Залп альбома приносит одну
// подпись несколькими сообщениями почти одновременно, поэтому анализ
// защищён маркером Once: его ведёт только один воркер.
type CachedAnalyzer struct {
	inner domain.CaptionAnalyzer
	cache domain.Cache
	ttl   time.Duration
}

var _ domain.CaptionAnalyzer = (*CachedAnalyzer)(nil)

// NewCached оборачивает анализатор кэшом.
func NewCached(inner domain.CaptionAnalyzer, cache domain.Cache, ttl time.Duration) *CachedAnalyzer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CachedAnalyzer{inner: inner, cache: cache, ttl: ttl}
}

func captionKey(caption string) string {
	sum := sha256.Sum256([]byte(caption))
	return "caption_analysis:" + hex.EncodeToString(sum[:])
}

// Analyze возвращает кэшированный результат либо запускает анализ.
func (a *CachedAnalyzer) Analyze(ctx context.Context, caption string) (*domain.ProductInfo, error) {
	if caption == "" {
		return nil, nil
	}
	key := captionKey(caption)

	if raw, err := a.cache.Get(key); err == nil {
		var cached *domain.ProductInfo
		if err := json.Unmarshal(raw, &cached); err != nil {
			return nil, fmt.Errorf("decode cached analysis: %w", err)
		}
		return cached, nil
	} else if !errors.Is(err, domain.ErrCacheMiss) {
		// Недоступный кэш не блокирует анализ.
		return a.inner.Analyze(ctx, caption)
	}

	var info *domain.ProductInfo
	ran := false
	onceErr := a.cache.Once(key+":lock", onceTTL, func() error {
		ran = true
		result, err := a.inner.Analyze(ctx, caption)
		if err != nil {
			return err
		}
		info = result
		if raw, err := json.Marshal(result); err == nil {
			_ = a.cache.Set(key, raw, a.ttl)
		}
		return nil
	})
	if onceErr != nil {
		if ran {
			return nil, onceErr
		}
		// Недоступный кэш не блокирует анализ.
		return a.inner.Analyze(ctx, caption)
	}
	if ran {
		return info, nil
	}

	// Анализ ведёт другой воркер. Если результат уже в кэше, берём его;
	// иначе анализируем без записи в кэш, маркер остаётся у владельца.
	if raw, err := a.cache.Get(key); err == nil {
		var cached *domain.ProductInfo
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}
	return a.inner.Analyze(ctx, caption)
}
