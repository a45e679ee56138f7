package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/furnace-control/offline-hub/internal/cache"
	"github.com/furnace-control/offline-hub/internal/queue"
)

// 页面通过控制通道发送的消息类型。
const (
	MessageSkipWaiting        = "SKIP_WAITING"
	MessageCacheAPIResponse   = "CACHE_API_RESPONSE"
	MessageStorePendingUpdate = "STORE_PENDING_UPDATE"
)

var (
	// ErrUnknownMessage 表示消息类型不在支持列表中。
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrInvalidMessage 表示消息缺少必需字段。
	ErrInvalidMessage = errors.New("invalid message")
)

// Message 是控制通道的统一载荷，按 Type 决定其余字段的含义。
type Message struct {
	Type     string          `json:"type"`
	Request  *CachedRequest  `json:"request,omitempty"`
	Response *CachedResponse `json:"response,omitempty"`
	Update   json.RawMessage `json:"update,omitempty"`
	Target   string          `json:"target,omitempty"`
	Method   string          `json:"method,omitempty"`
}

// CachedRequest 标识页面希望写入 dynamic 分区的请求。
type CachedRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// CachedResponse 是页面已经拿到的响应副本。
type CachedResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

// Reply 描述消息处理结果。
type Reply struct {
	Type     string          `json:"type"`
	State    State           `json:"state"`
	Key      string          `json:"key,omitempty"`
	Mutation *queue.Mutation `json:"mutation,omitempty"`
}

// HandleMessage 处理一条控制消息。缓存写入与离线变更在任何阶段都接受，
// 上游不可达导致安装失败时页面仍能把变更排队。
func (w *Worker) HandleMessage(ctx context.Context, msg Message) (Reply, error) {
	msgType := strings.ToUpper(strings.TrimSpace(msg.Type))

	reply := Reply{Type: msgType}
	var err error
	switch msgType {
	case MessageSkipWaiting:
		err = w.SkipWaiting(ctx)
	case MessageCacheAPIResponse:
		reply.Key, err = w.cacheResponse(ctx, msg)
	case MessageStorePendingUpdate:
		var stored queue.Mutation
		stored, err = w.storePendingUpdate(ctx, msg)
		if err == nil {
			reply.Mutation = &stored
		}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	reply.State = w.State()

	entry := w.logger.WithFields(logrus.Fields{"action": "message", "type": msgType})
	if err != nil {
		entry.WithError(err).Warn("worker_message_rejected")
		return reply, err
	}
	entry.Debug("worker_message_handled")
	return reply, nil
}

// cacheResponse 把页面提供的 2xx 响应写入 dynamic 分区。
func (w *Worker) cacheResponse(ctx context.Context, msg Message) (string, error) {
	if msg.Request == nil || msg.Response == nil {
		return "", fmt.Errorf("%w: request and response required", ErrInvalidMessage)
	}
	key, err := cache.NewKey(msg.Request.Method, msg.Request.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	header := make(http.Header, len(msg.Response.Headers))
	for name, value := range msg.Response.Headers {
		header.Set(name, value)
	}
	partition := w.cfg.DynamicPartition()
	part, err := w.store.Open(ctx, partition)
	if err == nil {
		err = part.Put(ctx, key, cache.Snapshot{
			Status: msg.Response.Status,
			Header: header,
			Body:   []byte(msg.Response.Body),
		})
	}
	w.metrics.RecordCacheWrite(partition, err)
	if err != nil {
		return "", err
	}
	return key.String(), nil
}

// storePendingUpdate 持久化离线写入并登记一次性同步标签；只有入队成功才登记。
func (w *Worker) storePendingUpdate(ctx context.Context, msg Message) (queue.Mutation, error) {
	if len(msg.Update) == 0 {
		return queue.Mutation{}, fmt.Errorf("%w: update required", ErrInvalidMessage)
	}
	target := strings.TrimSpace(msg.Target)
	if target == "" {
		target = w.cfg.ReplayEndpoint
	}
	method := strings.TrimSpace(msg.Method)
	if method == "" {
		method = w.cfg.ReplayMethod
	}

	stored, err := w.queue.Enqueue(ctx, queue.Mutation{
		Target:  target,
		Method:  method,
		Payload: msg.Update,
	})
	if err != nil {
		return queue.Mutation{}, err
	}
	if depth, lenErr := w.queue.Len(ctx); lenErr == nil {
		w.metrics.SetQueueDepth(depth)
	}
	if w.sync != nil {
		w.sync.Register(w.cfg.SyncTag)
	}
	w.logger.WithFields(logrus.Fields{
		"action": "enqueue",
		"id":     stored.ID,
		"target": stored.Target,
		"method": stored.Method,
	}).Info("pending_update_stored")
	return stored, nil
}
