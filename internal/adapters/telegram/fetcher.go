package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tg-media-vault/internal/domain"
	"tg-media-vault/internal/infra/metrics"
)

// maxFileBytes — лимит Bot API на скачивание файла.
const maxFileBytes = 20 << 20

// BotFileFetcher скачивает файлы через Bot API: getFile даёт путь,
// содержимое забирается по прямой ссылке.
type BotFileFetcher struct {
	bot     *tgbotapi.BotAPI
	client  *http.Client
	timeout time.Duration
}

var _ domain.FileFetcher = (*BotFileFetcher)(nil)

// NewBotFileFetcher создаёт fetcher с ограничением на время одного вызова.
func NewBotFileFetcher(bot *tgbotapi.BotAPI, timeout time.Duration) *BotFileFetcher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &BotFileFetcher{
		bot:     bot,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Fetch возвращает содержимое файла по его file_id.
func (f *BotFileFetcher) Fetch(ctx context.Context, fileRef string) ([]byte, error) {
	start := time.Now()
	file, err := f.bot.GetFile(tgbotapi.FileConfig{FileID: fileRef})
	metrics.ObserveNetworkRequest("telegram", "get_file", "bot_api", start, err)
	if err != nil {
		return nil, fmt.Errorf("telegram getFile: %w", err)
	}
	if file.FileSize > maxFileBytes {
		return nil, fmt.Errorf("файл %s превышает лимит Bot API (%d байт)", fileRef, file.FileSize)
	}

	url := file.Link(f.bot.Token)
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	start = time.Now()
	resp, err := f.client.Do(req)
	metrics.ObserveNetworkRequest("telegram", "download_file", "bot_api", start, err)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	if len(data) > maxFileBytes {
		return nil, fmt.Errorf("файл %s превышает лимит Bot API", fileRef)
	}
	return data, nil
}
