package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/go-resty/resty/v2"
)

// TelegramNotifier sends operator alerts to every admin chat through a bot.
type TelegramNotifier struct {
	http    *resty.Client
	apiURL  string
	token   string
	chatIDs []string
}

func NewTelegramNotifier(apiURL, botToken string, chatIDs []string, timeout time.Duration) *TelegramNotifier {
	return &TelegramNotifier{
		http:    resty.New().SetTimeout(timeout),
		apiURL:  strings.TrimRight(apiURL, "/"),
		token:   botToken,
		chatIDs: chatIDs,
	}
}

type sendMessageReq struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResp struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Alert tries every chat and joins the failures.
func (n *TelegramNotifier) Alert(ctx context.Context, text string) error {
	if n.token == "" || len(n.chatIDs) == 0 {
		return nil
	}
	var errs []error
	for _, chatID := range n.chatIDs {
		var out sendMessageResp
		res, err := n.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(sendMessageReq{ChatID: chatID, Text: text}).
			SetResult(&out).
			SetError(&out).
			Post(n.apiURL + "/bot" + n.token + "/sendMessage")
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("chat %s: %w", chatID, err))
		case res.StatusCode() != 200 || !out.OK:
			errs = append(errs, fmt.Errorf("chat %s: http %d: %s", chatID, res.StatusCode(), out.Description))
		}
	}
	return errors.Join(errs...)
}

var _ usecase.Alerter = (*TelegramNotifier)(nil)
