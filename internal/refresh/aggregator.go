package refresh

import "github.com/ChuLiYu/refreshtree/pkg/types"

// AnyFailed 回報 jobs 中是否有任務失敗；空集合回傳 false
// 找不到狀態的任務不算失敗
func AnyFailed(statuses StatusSource, jobs []types.RefreshJob) bool {
	for _, job := range jobs {
		status, ok := statuses.Status(job.Handle)
		if ok && status.Failed() {
			return true
		}
	}
	return false
}
