package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"patchbridge/internal/services"
	"patchbridge/pkg/config"
	bridgeerr "patchbridge/pkg/errors"
	"patchbridge/pkg/logger"

	"gopkg.in/yaml.v3"
)

type branchesFile struct {
	Branches []services.CreateBranchRequest `yaml:"branches"`
}

// seedBranches 从 BRANCHES_FILE 注册桥接分支，已存在的跳过
func seedBranches(ctx context.Context, cfg *config.Config, branches *services.BranchService, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.GetLogger().WithField("path", path).Info("分支文件不存在，跳过初始化")
			return nil
		}
		return fmt.Errorf("读取分支文件失败: %v", err)
	}

	var file branchesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("解析分支文件失败: %v", err)
	}

	log := logger.GetLogger()
	for i := range file.Branches {
		req := &file.Branches[i]
		forge, ok := cfg.ForgeByName(req.Forge)
		if !ok {
			return fmt.Errorf("分支 %s 引用了未配置的forge: %s", req.Name, req.Forge)
		}

		_, err := branches.FindForEvent(forge.Host, req.ProjectID, req.Name)
		if err == nil {
			log.WithField("branch", req.Name).Debug("分支已存在，跳过")
			continue
		}
		if !errors.Is(err, services.ErrBranchNotFound) {
			return err
		}

		branch, err := branches.Create(ctx, req)
		if err != nil {
			if bridgeerr.IsRetryable(err) {
				return fmt.Errorf("注册分支 %s 失败: %v", req.Name, err)
			}
			log.WithError(err).WithField("branch", req.Name).Warn("注册分支失败，跳过")
			continue
		}
		log.WithField("branch_id", branch.ID).WithField("branch", branch.Name).Info("已注册分支")
	}
	return nil
}
