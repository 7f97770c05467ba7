// Package telegram sends run notifications through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fgeck/gopickup/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		baseURL:    "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendNotification reports a finished run.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Debug().
		Str("chat_id", cfg.ChatID).
		Str("schedule", msg.ScheduleID).
		Bool("success", msg.Success).
		Msg("sending Telegram notification")

	body, err := json.Marshal(sendMessageRequest{
		ChatID:                cfg.ChatID,
		Text:                  FormatMessage(msg),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d%s", resp.StatusCode, describe(resp.Body))
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Str("schedule", msg.ScheduleID).Msg("Telegram notification sent")

	return result, nil
}

// describe extracts the API's error description, if any.
func describe(r io.Reader) string {
	var parsed apiResponse
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&parsed); err != nil || parsed.Description == "" {
		return ""
	}
	return ": " + parsed.Description
}

// FormatMessage renders a run notification as Telegram HTML.
func FormatMessage(msg models.TelegramMessage) string {
	var b strings.Builder

	if msg.Success {
		b.WriteString("✅ <b>Pickup completed</b>\n\n")
	} else {
		b.WriteString("❌ <b>Pickup halted</b>\n\n")
	}

	fmt.Fprintf(&b, "🗂 <b>Schedule:</b> %s\n", html.EscapeString(msg.ScheduleID))
	fmt.Fprintf(&b, "🖥 <b>Source:</b> %s:%s\n", html.EscapeString(msg.Host), html.EscapeString(msg.RemotePath))
	if msg.RunID != 0 {
		fmt.Fprintf(&b, "🔖 <b>Run:</b> %d\n", msg.RunID)
	}
	fmt.Fprintf(&b, "⏰ <b>Started:</b> %s\n", msg.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "⏱ <b>Duration:</b> %s\n", msg.Duration.Round(time.Second))

	if msg.Success {
		b.WriteString("\n<b>📊 Transfer:</b>\n")
		fmt.Fprintf(&b, "  • Files: %d of %d\n", msg.FilesTransferred, msg.FilesListed)
		fmt.Fprintf(&b, "  • Size: %s\n", formatBytes(msg.BytesTransferred))
		if msg.LocalDirectory != "" {
			fmt.Fprintf(&b, "  • Archive: <code>%s</code>\n", html.EscapeString(msg.LocalDirectory))
		}
	}

	if msg.StatusMessage != "" {
		fmt.Fprintf(&b, "\n<b>Status:</b> <code>%s</code>\n", html.EscapeString(msg.StatusMessage))
	}

	if msg.ArchivesDeleted > 0 || msg.ArchivesKept > 0 {
		b.WriteString("\n<b>🗑 Retention:</b>\n")
		fmt.Fprintf(&b, "  • Archives kept: %d\n", msg.ArchivesKept)
		fmt.Fprintf(&b, "  • Archives removed: %d\n", msg.ArchivesDeleted)
	}

	return b.String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
