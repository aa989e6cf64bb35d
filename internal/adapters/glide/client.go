package glide

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tg-media-vault/internal/domain"
	"tg-media-vault/internal/infra/metrics"
)

const defaultBaseURL = "https://api.glideapp.io"

// Client применяет мутации строк к таблицам Glide через mutateTables API.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	appID   string
}

var _ domain.ExternalSyncClient = (*Client)(nil)

// Config описывает параметры клиента.
type Config struct {
	BaseURL string
	Token   string
	AppID   string
	Timeout time.Duration
}

// NewClient создаёт клиента Glide.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		baseURL: baseURL,
		token:   cfg.Token,
		appID:   cfg.AppID,
	}
}

type mutation struct {
	Kind         string             `json:"kind"`
	TableName    string             `json:"tableName"`
	ColumnValues domain.ExternalRow `json:"columnValues,omitempty"`
	RowID        string             `json:"rowID,omitempty"`
}

type mutateRequest struct {
	AppID     string     `json:"appID"`
	Mutations []mutation `json:"mutations"`
}

type mutateResult struct {
	RowID string `json:"rowID"`
}

func (c *Client) mutate(ctx context.Context, m mutation) (string, error) {
	if c.token == "" {
		return "", errors.New("glide: api token is empty")
	}
	body, err := json.Marshal(mutateRequest{AppID: c.appID, Mutations: []mutation{m}})
	if err != nil {
		return "", fmt.Errorf("glide: marshal request: %w", err)
	}
	endpoint := c.baseURL + "/api/function/mutateTables"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("glide: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveNetworkRequest("glide", m.Kind, m.TableName, start, err)
	if err != nil {
		return "", fmt.Errorf("glide: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", domain.ErrRateLimited
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("glide: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var results []mutateResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return "", fmt.Errorf("glide: decode response: %w", err)
	}
	if len(results) == 0 {
		return "", nil
	}
	return results[0].RowID, nil
}

// AddRow создаёт строку и возвращает её rowID.
func (c *Client) AddRow(ctx context.Context, tableID string, row domain.ExternalRow) (string, error) {
	return c.mutate(ctx, mutation{Kind: "add-row-to-table", TableName: tableID, ColumnValues: row})
}

// UpdateRow обновляет существующую строку.
func (c *Client) UpdateRow(ctx context.Context, tableID, rowID string, row domain.ExternalRow) error {
	_, err := c.mutate(ctx, mutation{Kind: "set-columns-in-row", TableName: tableID, ColumnValues: row, RowID: rowID})
	return err
}

// DeleteRow удаляет строку.
func (c *Client) DeleteRow(ctx context.Context, tableID, rowID string) error {
	_, err := c.mutate(ctx, mutation{Kind: "delete-row", TableName: tableID, RowID: rowID})
	return err
}
