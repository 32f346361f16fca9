package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CycleFunc 单个品种的一轮分析
type CycleFunc func(ctx context.Context, instrument string)

// Scheduler 周期性为每个品种触发分析，同一品种上一轮未结束时跳过本轮
type Scheduler struct {
	instruments []string
	interval    time.Duration
	timeout     time.Duration
	cycle       CycleFunc
	running     map[string]*atomic.Bool
	wg          sync.WaitGroup
	skipped     atomic.Int64
	now         func() time.Time
}

// NewScheduler 创建调度器，timeout 为单轮分析的上限
func NewScheduler(instruments []string, interval, timeout time.Duration, cycle CycleFunc) *Scheduler {
	running := make(map[string]*atomic.Bool, len(instruments))
	for _, inst := range instruments {
		running[inst] = &atomic.Bool{}
	}
	return &Scheduler{
		instruments: instruments,
		interval:    interval,
		timeout:     timeout,
		cycle:       cycle,
		running:     running,
		now:         time.Now,
	}
}

// Start 对齐到下一个周期边界后开始调度，直到 ctx 结束并等待进行中的分析完成
func (s *Scheduler) Start(ctx context.Context) {
	zap.L().Info("🚀 调度器启动中...",
		zap.Strings("instruments", s.instruments),
		zap.Duration("interval", s.interval))

	wait := s.untilNextBoundary()
	zap.L().Info("⏳ 等待同步到下一个周期时间点", zap.Duration("wait", wait))

	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			zap.L().Info("📴 调度器已停止", zap.Int64("skipped", s.skipped.Load()))
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick 触发一轮调度，返回实际启动的品种数
func (s *Scheduler) Tick(ctx context.Context) int {
	started := 0
	for _, inst := range s.instruments {
		flag := s.running[inst]
		if !flag.CompareAndSwap(false, true) {
			s.skipped.Add(1)
			zap.L().Debug("⏭️ 上一轮分析尚未结束，跳过", zap.String("instrument", inst))
			continue
		}
		started++

		s.wg.Add(1)
		go func(inst string) {
			defer s.wg.Done()
			defer flag.Store(false)
			defer func() {
				if r := recover(); r != nil {
					zap.L().Error("分析任务panic", zap.String("instrument", inst), zap.Any("error", r))
				}
			}()

			cycleCtx := ctx
			if s.timeout > 0 {
				var cancel context.CancelFunc
				cycleCtx, cancel = context.WithTimeout(ctx, s.timeout)
				defer cancel()
			}
			s.cycle(cycleCtx, inst)
		}(inst)
	}
	return started
}

// Wait 等待进行中的分析结束
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Skipped 因重叠被跳过的次数
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

// untilNextBoundary 距离下一个周期整点的时间，例如间隔1分钟时对齐到下一分钟
func (s *Scheduler) untilNextBoundary() time.Duration {
	if s.interval <= 0 {
		return 0
	}
	now := s.now()
	return now.Truncate(s.interval).Add(s.interval).Sub(now)
}
