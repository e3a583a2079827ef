package models

import (
	"fmt"
	"regexp"
	"strings"
)

// Branch 被桥接的forge仓库分支
type Branch struct {
	BaseModel

	// forge信息
	ForgeName   string `gorm:"size:50;not null" json:"forge_name"`
	ForgeHost   string `gorm:"size:200;not null;uniqueIndex:idx_branch_project" json:"forge_host"`
	ProjectID   int64  `gorm:"not null;uniqueIndex:idx_branch_project" json:"project_id"` // forge内部ID，路径改名后不变
	ProjectPath string `gorm:"size:300" json:"project_path"`
	Name        string `gorm:"size:200;not null;uniqueIndex:idx_branch_project" json:"name"`

	// 邮件列表
	ListID        string `gorm:"size:200;not null;index" json:"list_id"`
	ListAddress   string `gorm:"size:200;not null" json:"list_address"`
	SubjectPrefix string `gorm:"size:50" json:"subject_prefix"`
	SubjectMatch  string `gorm:"size:200" json:"subject_match"` // 不区分大小写的正则，空表示匹配全部

	// 克隆
	CloneURL  string `gorm:"size:500;not null" json:"clone_url"`
	LocalPath string `gorm:"size:300;not null" json:"local_path"`

	PipelineGating bool `gorm:"default:false" json:"pipeline_gating"`
}

// TableName 指定表名
func (Branch) TableName() string {
	return "branches"
}

// CloneKey 规范克隆目录名，由主机名和项目ID确定
func CloneKey(host string, projectID int64) string {
	host = strings.ToLower(host)
	host = strings.NewReplacer(":", "_", "/", "_").Replace(host)
	return fmt.Sprintf("%s-%d", host, projectID)
}

// MatchesSubject 主题是否路由到该分支
func (b *Branch) MatchesSubject(subject string) bool {
	if b.SubjectMatch == "" {
		return true
	}
	re, err := regexp.Compile("(?i)" + b.SubjectMatch)
	if err != nil {
		return false
	}
	return re.MatchString(subject)
}
