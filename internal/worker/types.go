package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/refreshtree/pkg/types"
)

// Func is the unit of work a Task carries
type Func func(ctx context.Context) error

// Task 代表要執行的任務
type Task struct {
	Handle  types.JobHandle // 任務識別碼
	Run     Func            // 實際執行的工作
	Timeout time.Duration   // 執行超時時間；0 代表不限時
}

// Result 代表任務執行結果
type Result struct {
	Handle   types.JobHandle // 任務識別碼
	Success  bool            // 執行是否成功
	Error    error           // 錯誤訊息（如果有）
	Duration time.Duration   // 實際執行時間
}
