package line

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/line/line-bot-sdk-go/v7/linebot"

	"github.com/queueline/queueline/errs"
	"github.com/queueline/queueline/internal/observability"
	"github.com/queueline/queueline/internal/queue"
	"github.com/queueline/queueline/internal/store"
)

// Webhook handles inbound LINE messages. Recognised intents map chat text to
// queue operations; anything else gets a short usage hint.
type Webhook struct {
	client  *Client
	repo    *queue.Repository
	store   store.Store
	baseURL string
	service string
}

// NewWebhook constructs the webhook handler. service is the queue every
// chat-issued ticket joins.
func NewWebhook(client *Client, repo *queue.Repository, st store.Store, baseURL, service string) *Webhook {
	return &Webhook{client: client, repo: repo, store: st, baseURL: baseURL, service: service}
}

// ServeHTTP validates the LINE signature and dispatches each text event.
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if w.client == nil {
		http.Error(rw, "line integration not configured", http.StatusInternalServerError)
		return
	}
	events, err := w.client.Bot().ParseRequest(req)
	if err != nil {
		if err == linebot.ErrInvalidSignature {
			http.Error(rw, "invalid signature", http.StatusBadRequest)
			return
		}
		http.Error(rw, "parse request", http.StatusInternalServerError)
		return
	}
	for _, event := range events {
		if event.Type != linebot.EventTypeMessage || event.Source == nil || event.Source.UserID == "" {
			continue
		}
		msg, ok := event.Message.(*linebot.TextMessage)
		if !ok {
			continue
		}
		reply := w.handleText(req.Context(), event.Source.UserID, msg.Text)
		if reply == "" {
			continue
		}
		if _, err := w.client.Bot().ReplyMessage(event.ReplyToken, linebot.NewTextMessage(reply)).WithContext(req.Context()).Do(); err != nil {
			observability.Log().Error("line reply",
				observability.Field{Key: "user", Value: event.Source.UserID},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("OK"))
}

func (w *Webhook) handleText(ctx context.Context, userID, text string) string {
	switch text {
	case "我要抽號", "抽號", "取號", "我要取號":
		return w.issue(ctx, userID)
	case "查詢", "查詢進度":
		return w.query(ctx, userID)
	case "取消", "取消排隊":
		return w.cancel(ctx, userID)
	default:
		return "您好！請輸入「我要抽號」取號，「查詢」查看進度，或「取消」取消排隊。"
	}
}

// issue takes a ticket for the chat user, unless an earlier binding still
// points at a live one. Stale bindings (missing, finished, or passed
// tickets) are cleared in passing.
func (w *Webhook) issue(ctx context.Context, userID string) string {
	if v, ok := w.boundView(ctx, userID); ok {
		return fmt.Sprintf("您已在排隊中！\n\n您的號碼：%d\n前面還有 %d 人\n\n查看進度：%s", v.Number, v.AheadCount, w.viewURL(v))
	}

	t, err := w.repo.Create(ctx, w.service, userID)
	if err != nil {
		observability.Log().Error("line issue ticket",
			observability.Field{Key: "user", Value: userID},
			observability.Field{Key: "error", Value: err.Error()})
		return "取號失敗，請稍後再試。"
	}
	if err := w.bind(ctx, userID, t.ID); err != nil {
		observability.Log().Error("line bind ticket",
			observability.Field{Key: "user", Value: userID},
			observability.Field{Key: "ticket_id", Value: t.ID},
			observability.Field{Key: "error", Value: err.Error()})
	}
	v, err := w.repo.Get(ctx, t.ID)
	if err != nil {
		return fmt.Sprintf("🎉 取號成功！\n\n您的號碼：%d", t.Number())
	}
	return fmt.Sprintf("🎉 取號成功！\n\n您的號碼：%d\n前面還有 %d 人\n\n查看進度：%s", v.Number, v.AheadCount, w.viewURL(v))
}

func (w *Webhook) query(ctx context.Context, userID string) string {
	v, ok := w.boundView(ctx, userID)
	if !ok {
		return "您目前沒有排隊喔！請輸入「我要抽號」取號。"
	}
	if v.Status == queue.StatusServing {
		return fmt.Sprintf("🔔 輪到您了！\n\n您的號碼：%d\n請前往：%s", v.Number, v.Counter)
	}
	return fmt.Sprintf("📋 排隊進度\n\n您的號碼：%d\n目前叫號：%d\n前面還有 %d 人\n\n查看進度：%s", v.Number, v.CurrentNumber, v.AheadCount, w.viewURL(v))
}

func (w *Webhook) cancel(ctx context.Context, userID string) string {
	v, ok := w.boundView(ctx, userID)
	if !ok {
		return "您目前沒有排隊喔！"
	}
	if _, err := w.repo.Cancel(ctx, v.TicketID); err != nil {
		observability.Log().Error("line cancel ticket",
			observability.Field{Key: "user", Value: userID},
			observability.Field{Key: "ticket_id", Value: v.TicketID},
			observability.Field{Key: "error", Value: err.Error()})
		return "取消失敗，請稍後再試。"
	}
	w.clearBinding(ctx, userID)
	return fmt.Sprintf("已取消排隊（號碼 %d）。", v.Number)
}

// boundView resolves the user's binding to a live ticket view. A binding to
// a missing or expired ticket is removed and reported as absent.
func (w *Webhook) boundView(ctx context.Context, userID string) (*queue.View, bool) {
	h, err := w.store.HGetAll(ctx, store.LineUserKey(userID))
	if err != nil {
		observability.Log().Error("line binding lookup",
			observability.Field{Key: "user", Value: userID},
			observability.Field{Key: "error", Value: err.Error()})
		return nil, false
	}
	id, err := strconv.ParseInt(h["ticket_id"], 10, 64)
	if err != nil || id <= 0 {
		return nil, false
	}
	v, err := w.repo.Get(ctx, id)
	if err != nil {
		if errs.IsNotFound(err) {
			w.clearBinding(ctx, userID)
		}
		return nil, false
	}
	if v.Expired() {
		w.clearBinding(ctx, userID)
		return nil, false
	}
	return v, true
}

func (w *Webhook) bind(ctx context.Context, userID string, ticketID int64) error {
	return w.store.HSet(ctx, store.LineUserKey(userID), map[string]string{
		"ticket_id": strconv.FormatInt(ticketID, 10),
		"service":   w.service,
	})
}

func (w *Webhook) clearBinding(ctx context.Context, userID string) {
	if err := w.store.Delete(ctx, store.LineUserKey(userID)); err != nil {
		observability.Log().Error("line binding clear",
			observability.Field{Key: "user", Value: userID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func (w *Webhook) viewURL(v *queue.View) string {
	return fmt.Sprintf("%s/ticket/%d/view?token=%s", w.baseURL, v.TicketID, v.Token)
}
