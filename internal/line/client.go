// Package line integrates the LINE Messaging API: outbound pushes for the
// dispatch pipeline and the inbound webhook that lets chat users take,
// query, and cancel tickets by text message.
package line

import (
	"context"

	"github.com/line/line-bot-sdk-go/v7/linebot"

	"github.com/queueline/queueline/errs"
)

// Client wraps the LINE bot for outbound messaging. It satisfies the push
// dispatcher's Sender interface.
type Client struct {
	bot *linebot.Client
}

// New builds a LINE client from channel credentials. Returns nil without
// error when either credential is empty, which disables the integration.
func New(channelSecret, channelToken string) (*Client, error) {
	if channelSecret == "" || channelToken == "" {
		return nil, nil
	}
	bot, err := linebot.New(channelSecret, channelToken)
	if err != nil {
		return nil, errs.New(errs.CodeUnavailable, errs.WithMessage("init line client"), errs.WithCause(err))
	}
	return &Client{bot: bot}, nil
}

// Push sends a text message to a chat user.
func (c *Client) Push(ctx context.Context, userID, text string) error {
	_, err := c.bot.PushMessage(userID, linebot.NewTextMessage(text)).WithContext(ctx).Do()
	return err
}

// Bot exposes the underlying bot for webhook signature validation.
func (c *Client) Bot() *linebot.Client {
	return c.bot
}
