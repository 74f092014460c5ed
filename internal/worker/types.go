package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/adsorbflow/internal/driver"
	"github.com/ChuLiYu/adsorbflow/internal/workdir"
)

// Task 代表一個要鬆弛的工作目錄
type Task struct {
	Dir     workdir.Dir   // 工作目錄
	Restart bool          // 從 relax.traj 最後一幀繼續
	Timeout time.Duration // 執行超時時間，0 表示不限
}

// Result 代表任務執行結果
type Result struct {
	Dir      workdir.Dir      // 工作目錄
	Report   driver.DirReport // 鬆弛摘要
	Err      error            // 錯誤訊息（如果有）
	Duration time.Duration    // 實際執行時間
}

// Handler 執行一個任務
type Handler func(ctx context.Context, task Task) (driver.DirReport, error)
