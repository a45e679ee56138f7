// Package syncer 处理连通性恢复后的一次性同步与周期性刷新：
// Monitor 与 Scheduler 负责产生信号，Coordinator 负责执行，Lifetime 跟踪执行中的任务。
package syncer

// Kind 区分一次性同步与周期同步。
type Kind string

const (
	OneShot  Kind = "sync"
	Periodic Kind = "periodicsync"
)

// Signal 是交给 Coordinator 的带标签事件。
type Signal struct {
	Tag  string `json:"tag"`
	Kind Kind   `json:"kind"`
}
