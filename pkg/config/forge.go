package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"patchbridge/pkg/crypto"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// encryptedPrefix 以此前缀开头的令牌/密钥为AES-GCM密文
const encryptedPrefix = "enc:"

// ForgeConfig 单个Git forge实例的连接配置
type ForgeConfig struct {
	Name           string        `yaml:"name" validate:"required"`
	Host           string        `yaml:"host" validate:"required"`
	APIURL         string        `yaml:"api_url" validate:"required,url"`
	Token          string        `yaml:"token" validate:"required"`
	WebhookSecret  string        `yaml:"webhook_secret" validate:"required_if=WebhookEnabled true"`
	WebhookEnabled bool          `yaml:"webhook_enabled"`
	Timeout        time.Duration `yaml:"timeout"`
}

type forgesFile struct {
	Forges []ForgeConfig `yaml:"forges" validate:"dive"`
}

// LoadForges 读取forge列表文件，解密令牌并校验
func LoadForges(path, encryptionKey string) ([]ForgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取forge配置失败: %v", err)
	}
	return ParseForges(data, encryptionKey)
}

// ParseForges 解析forge列表YAML
func ParseForges(data []byte, encryptionKey string) ([]ForgeConfig, error) {
	var file forgesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("解析forge配置失败: %v", err)
	}

	seen := make(map[string]bool)
	for i := range file.Forges {
		forge := &file.Forges[i]
		if seen[forge.Name] {
			return nil, fmt.Errorf("forge名称重复: %s", forge.Name)
		}
		seen[forge.Name] = true

		var err error
		if forge.Token, err = decryptValue(forge.Token, encryptionKey); err != nil {
			return nil, fmt.Errorf("解密forge %s 的令牌失败: %v", forge.Name, err)
		}
		if forge.WebhookSecret, err = decryptValue(forge.WebhookSecret, encryptionKey); err != nil {
			return nil, fmt.Errorf("解密forge %s 的webhook密钥失败: %v", forge.Name, err)
		}
		if forge.Timeout <= 0 {
			forge.Timeout = 30 * time.Second
		}
		forge.APIURL = strings.TrimRight(forge.APIURL, "/")
	}

	if err := validator.New().Struct(&file); err != nil {
		return nil, fmt.Errorf("forge配置校验失败: %v", err)
	}

	return file.Forges, nil
}

func decryptValue(value, key string) (string, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		return value, nil
	}
	return crypto.Decrypt(strings.TrimPrefix(value, encryptedPrefix), key)
}
