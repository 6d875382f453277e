// Package telegram wraps the Bot API client used by the event consumer and
// the bot handlers.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// AllowedUpdates is the set of update kinds requested from getUpdates.
var AllowedUpdates = []string{"message", "callback_query"}

// abortableClient routes every request through a context that Abort cancels.
// tgbotapi takes no context, so this is the only handle on an in-flight
// long poll.
// Transport errors have the token scrubbed from their URL, since tgbotapi
// puts it in the request path.
type abortableClient struct {
	client *http.Client
	token  string
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *abortableClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req.WithContext(c.ctx))
	if err != nil {
		return nil, redact(err, c.token)
	}
	return resp, nil
}

const redacted = "<redacted>"

func redact(err error, token string) error {
	if token == "" {
		return err
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		uerr.URL = strings.ReplaceAll(uerr.URL, token, redacted)
	}
	return err
}

// Client is a connected Bot API client.
type Client struct {
	bot  *tgbotapi.BotAPI
	http *abortableClient
}

type options struct {
	endpoint string
	timeout  time.Duration
}

// Option configures Dial.
type Option func(*options)

// WithEndpoint overrides the API endpoint format string.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		if endpoint != "" {
			o.endpoint = endpoint
		}
	}
}

// WithRequestTimeout bounds each HTTP request. It must exceed the long-poll
// timeout or every idle poll will fail.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Dial connects to the Bot API and verifies the token with getMe. A rejected
// token yields an error for which IsPermanent reports true. Cancelling ctx
// aborts the getMe call; it has no effect once Dial has returned.
func Dial(ctx context.Context, token string, opts ...Option) (*Client, error) {
	o := options{
		endpoint: tgbotapi.APIEndpoint,
		timeout:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	ac := &abortableClient{
		client: &http.Client{Timeout: o.timeout},
		token:  token,
		ctx:    clientCtx,
		cancel: cancel,
	}

	stop := context.AfterFunc(ctx, cancel)
	bot, err := tgbotapi.NewBotAPIWithClient(token, o.endpoint, ac)
	if !stop() {
		cancel()
		return nil, fmt.Errorf("verify bot token: %w", ctx.Err())
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("verify bot token: %w", err)
	}
	return &Client{bot: bot, http: ac}, nil
}

// Username returns the bot's own username as reported by getMe.
func (c *Client) Username() string {
	return c.bot.Self.UserName
}

// GetUpdates performs one getUpdates call.
func (c *Client) GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error) {
	return c.bot.GetUpdates(cfg)
}

func (c *Client) Send(msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	return c.bot.Send(msg)
}

func (c *Client) Request(msg tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return c.bot.Request(msg)
}

// Abort cancels the in-flight request, if any, and makes every later request
// fail immediately.
func (c *Client) Abort() {
	c.http.cancel()
}

// UpdateConfig builds the getUpdates parameters for the given offset.
func UpdateConfig(offset, limit, timeout int) tgbotapi.UpdateConfig {
	u := tgbotapi.NewUpdate(offset)
	u.Limit = limit
	u.Timeout = timeout
	u.AllowedUpdates = AllowedUpdates
	return u
}
