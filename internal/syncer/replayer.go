package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/furnace-control/offline-hub/internal/queue"
)

// ErrUnreachable 表示上游在网络层不可达（区别于上游返回错误状态码）。
var ErrUnreachable = errors.New("upstream unreachable")

// HTTPReplayer 把离线写入原样提交到上游。
type HTTPReplayer struct {
	client   *http.Client
	upstream string
}

// NewHTTPReplayer 使用共享 client 构建回放器，upstream 不带末尾斜杠。
func NewHTTPReplayer(client *http.Client, upstream string) *HTTPReplayer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPReplayer{client: client, upstream: upstream}
}

// Replay 仅在上游返回 2xx 时视为成功。
func (r *HTTPReplayer) Replay(ctx context.Context, m queue.Mutation) error {
	req, err := http.NewRequestWithContext(ctx, m.Method, r.upstream+m.Target, bytes.NewReader(m.Payload))
	if err != nil {
		return fmt.Errorf("build replay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Offline-Hub-Replay", strconv.FormatInt(m.ID, 10))

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("replay %d: upstream status %d", m.ID, resp.StatusCode)
	}
	return nil
}
