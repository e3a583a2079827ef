package database

import (
	"patchbridge/pkg/config"
	"patchbridge/pkg/queue"
)

// NewRedisQueue 按配置创建Redis队列
func NewRedisQueue(cfg config.RedisConfig) *queue.RedisQueue {
	return queue.NewRedisQueue(&queue.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
		Prefix:   cfg.Prefix,
	})
}
