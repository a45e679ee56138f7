package syncer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/furnace-control/offline-hub/internal/logging"
)

const (
	defaultTitle = "Furnace Control System"
	defaultBody  = "Furnace Control System Update"
	defaultIcon  = "/favicon.ico"

	// ActionExplore 打开控制面板首页，ActionClose 仅关闭通知。
	ActionExplore = "explore"
	ActionClose   = "close"
)

// Action 是通知上的按钮。
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification 是交给展示层的通知内容。
type Notification struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Icon      string    `json:"icon,omitempty"`
	Badge     string    `json:"badge,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	Actions   []Action  `json:"actions,omitempty"`
	ArrivedAt time.Time `json:"arrived_at"`
}

// Notifier 是唯一的展示能力：把通知交给宿主呈现。
type Notifier interface {
	Deliver(ctx context.Context, n Notification) error
}

// PushNotification 把推送正文包装成标准通知，正文为空时使用默认文案。
func PushNotification(body string) Notification {
	body = strings.TrimSpace(body)
	if body == "" {
		body = defaultBody
	}
	return Notification{
		Title: defaultTitle,
		Body:  body,
		Icon:  defaultIcon,
		Badge: defaultIcon,
		Tag:   "push",
		Actions: []Action{
			{Action: ActionExplore, Title: "View Details", Icon: defaultIcon},
			{Action: ActionClose, Title: "Close", Icon: defaultIcon},
		},
		ArrivedAt: time.Now().UTC(),
	}
}

// ClickTarget 返回通知按钮对应需要打开的页面；无需打开页面时 ok 为 false。
func ClickTarget(action string) (string, bool) {
	if action == ActionExplore {
		return "/", true
	}
	return "", false
}

// LogNotifier 把通知写入日志，并保留最近若干条供状态接口展示。
type LogNotifier struct {
	logger *logrus.Entry
	limit  int

	mu     sync.Mutex
	recent []Notification
}

// NewLogNotifier 创建 LogNotifier，limit<=0 时保留 20 条。
func NewLogNotifier(logger *logrus.Logger, limit int) *LogNotifier {
	if limit <= 0 {
		limit = 20
	}
	return &LogNotifier{logger: logging.Component(logger, "notifier"), limit: limit}
}

func (n *LogNotifier) Deliver(ctx context.Context, note Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if note.ArrivedAt.IsZero() {
		note.ArrivedAt = time.Now().UTC()
	}

	n.mu.Lock()
	n.recent = append(n.recent, note)
	if len(n.recent) > n.limit {
		n.recent = append([]Notification(nil), n.recent[len(n.recent)-n.limit:]...)
	}
	n.mu.Unlock()

	n.logger.WithFields(logrus.Fields{
		"action": "notify",
		"title":  note.Title,
		"tag":    note.Tag,
	}).Info(note.Body)
	return nil
}

// Recent 返回最近的通知，最新的在最后。
func (n *LogNotifier) Recent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.recent...)
}
