package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"patchbridge/pkg/logger"

	"github.com/robfig/cron/v3"
)

// Pruner 清理残留工作树
type Pruner interface {
	Prune(ctx context.Context) error
}

// BridgeScheduler 桥接定时任务：缓冲超时、流水线超时、工作树清理
type BridgeScheduler struct {
	engine  *BridgeEngine
	pruner  Pruner
	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// NewBridgeScheduler 创建桥接调度器
func NewBridgeScheduler(engine *BridgeEngine, pruner Pruner) *BridgeScheduler {
	return &BridgeScheduler{
		engine: engine,
		pruner: pruner,
		cron:   cron.New(),
	}
}

// Start 启动调度器
func (s *BridgeScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("调度器已经在运行")
	}

	logger.GetLogger().Info("启动桥接调度器")

	if _, err := s.cron.AddFunc("@every 1m", s.sweep); err != nil {
		return fmt.Errorf("添加超时扫描任务失败: %v", err)
	}
	if s.pruner != nil {
		if _, err := s.cron.AddFunc("@every 1h", s.prune); err != nil {
			return fmt.Errorf("添加工作树清理任务失败: %v", err)
		}
	}

	s.cron.Start()
	s.running = true
	logger.GetLogger().Infof("桥接调度器启动成功，已加载 %d 个定时任务", len(s.cron.Entries()))
	return nil
}

// Stop 停止调度器，等待正在执行的任务结束
func (s *BridgeScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	logger.GetLogger().Info("停止桥接调度器")
	<-s.cron.Stop().Done()
	s.running = false
}

// sweep 扫描超时的缓冲区和等待流水线的提交
func (s *BridgeScheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	now := time.Now()

	if n, err := s.engine.ExpireSeries(ctx, now); err != nil {
		logger.GetLogger().Errorf("扫描超时缓冲区失败: %v", err)
	} else if n > 0 {
		logger.GetLogger().Infof("已安排 %d 个超时系列", n)
	}

	if n, err := s.engine.ExpirePipelines(ctx, now); err != nil {
		logger.GetLogger().Errorf("扫描流水线超时失败: %v", err)
	} else if n > 0 {
		logger.GetLogger().Infof("已安排 %d 个流水线超时任务", n)
	}
}

func (s *BridgeScheduler) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.pruner.Prune(ctx); err != nil {
		logger.GetLogger().Warnf("清理工作树失败: %v", err)
	}
}
