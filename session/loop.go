package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Updater 由 Run 按固定间隔驱动
type Updater interface {
	Update() error
}

// Run 每个间隔调用一次 Update，直到 ctx 结束或出现致命错误。
// 可恢复错误只记录日志
func Run(ctx context.Context, u Updater, interval time.Duration, log *zap.SugaredLogger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := u.Update()
			if err == nil {
				continue
			}
			if IsFatal(err) {
				return err
			}
			log.Warnf("tick: %v", err)
		}
	}
}
