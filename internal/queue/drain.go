package queue

import (
	"context"
	"fmt"
)

// Replayer 把一条记录重新提交到上游；返回 nil 表示上游确认成功。
type Replayer interface {
	Replay(ctx context.Context, m Mutation) error
}

// ReplayerFunc adapts a function to the Replayer interface.
type ReplayerFunc func(ctx context.Context, m Mutation) error

// Replay makes ReplayerFunc satisfy Replayer.
func (f ReplayerFunc) Replay(ctx context.Context, m Mutation) error {
	return f(ctx, m)
}

// Failure 记录一条回放失败的原因，记录本身仍留在队列中。
type Failure struct {
	ID  int64
	Err error
}

// DrainResult 汇总一次回放的结果。
type DrainResult struct {
	Attempted int
	Replayed  []int64
	Failed    []Failure
	Remaining int
}

// Drain 按 ID 升序逐条回放；成功的记录立即删除，失败的保留并继续处理后续记录。
// 只有列举队列失败或 ctx 被取消时返回 error。
func Drain(ctx context.Context, q Queue, replayer Replayer) (DrainResult, error) {
	var result DrainResult

	pending, err := q.Pending(ctx)
	if err != nil {
		return result, fmt.Errorf("list pending: %w", err)
	}

	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempted++
		if err := replayer.Replay(ctx, m); err != nil {
			result.Failed = append(result.Failed, Failure{ID: m.ID, Err: err})
			continue
		}
		if err := q.Remove(ctx, m.ID); err != nil {
			result.Failed = append(result.Failed, Failure{ID: m.ID, Err: fmt.Errorf("remove after replay: %w", err)})
			continue
		}
		result.Replayed = append(result.Replayed, m.ID)
	}

	remaining, err := q.Len(ctx)
	if err != nil {
		return result, fmt.Errorf("count pending: %w", err)
	}
	result.Remaining = remaining
	return result, nil
}
