// Package telegram talks to the Telegram Bot API for channel posts, direct
// notices and invite links.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/ZeusTips/internal/pkg/apperror"
)

const defaultAPIURL = "https://api.telegram.org"

type Client struct {
	Token  string
	APIURL string

	HTTPClient *http.Client
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Result      json.RawMessage `json:"result"`
}

func NewClient(token, apiURL string, timeout time.Duration) *Client {
	if strings.TrimSpace(apiURL) == "" {
		apiURL = defaultAPIURL
	}
	return &Client{
		Token:  strings.TrimSpace(token),
		APIURL: strings.TrimRight(apiURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// PublishToChannel posts text to a channel id such as -100123 or @name.
func (c *Client) PublishToChannel(ctx context.Context, channelID, text string) error {
	return c.sendMessage(ctx, channelID, text)
}

// NotifySubscriber sends text to the private chat of a subscriber.
func (c *Client) NotifySubscriber(ctx context.Context, subscriberID int64, text string) error {
	return c.sendMessage(ctx, strconv.FormatInt(subscriberID, 10), text)
}

// CreateInviteLink returns a single-member invite link to channelID.
func (c *Client) CreateInviteLink(ctx context.Context, channelID, name string, expiresAt time.Time) (string, error) {
	var out struct {
		InviteLink string `json:"invite_link"`
	}
	err := c.call(ctx, "createChatInviteLink", map[string]any{
		"chat_id":      channelID,
		"name":         name,
		"expire_date":  expiresAt.Unix(),
		"member_limit": 1,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.InviteLink, nil
}

func (c *Client) sendMessage(ctx context.Context, chatID, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}, nil)
}

func (c *Client) call(ctx context.Context, method string, payload any, result any) error {
	op := "telegram." + method
	if c.Token == "" {
		return apperror.Configuration(op, errors.New("TELEGRAM_BOT_TOKEN is not configured"))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.APIURL, c.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// The URL carries the token, so only the cause is kept.
		var uerr interface{ Unwrap() error }
		if errors.As(err, &uerr) && uerr.Unwrap() != nil {
			err = uerr.Unwrap()
		}
		return apperror.Transient(op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode >= 500 {
			return apperror.Transient(op, fmt.Errorf("status=%d", resp.StatusCode))
		}
		return fmt.Errorf("%s: decode status=%d: %w", op, resp.StatusCode, err)
	}
	if !out.OK {
		cause := fmt.Errorf("status=%d: %s", resp.StatusCode, out.Description)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return apperror.Transient(op, cause)
		}
		return fmt.Errorf("%s: %w", op, cause)
	}
	if result != nil {
		if err := json.Unmarshal(out.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", op, err)
		}
	}
	return nil
}
