package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	bridgeerr "patchbridge/pkg/errors"
)

// 签名相关的请求头
const (
	HeaderSignature    = "X-Patchbridge-Signature"
	HeaderHubSignature = "X-Hub-Signature-256"
	HeaderGitlabToken  = "X-Gitlab-Token"
	HeaderGitlabEvent  = "X-Gitlab-Event"
	HeaderEventUUID    = "X-Gitlab-Event-UUID"
)

// Sign 计算请求体的HMAC-SHA256签名
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 校验原始请求体的签名。
// 优先使用HMAC签名头；只有GitLab令牌头时按共享令牌比较
func VerifySignature(secret string, body []byte, header http.Header) error {
	if secret == "" {
		return bridgeerr.Newf(bridgeerr.KindConfigurationError, "webhook.VerifySignature", "未配置webhook密钥")
	}

	signature := header.Get(HeaderSignature)
	if signature == "" {
		signature = header.Get(HeaderHubSignature)
	}
	if signature != "" {
		expected := Sign(secret, body)
		if !strings.HasPrefix(signature, "sha256=") {
			signature = "sha256=" + signature
		}
		if hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
			return nil
		}
		return bridgeerr.Newf(bridgeerr.KindAuthenticationFailed, "webhook.VerifySignature", "签名不匹配")
	}

	if token := header.Get(HeaderGitlabToken); token != "" {
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
			return nil
		}
		return bridgeerr.Newf(bridgeerr.KindAuthenticationFailed, "webhook.VerifySignature", "令牌不匹配")
	}

	return bridgeerr.Newf(bridgeerr.KindAuthenticationFailed, "webhook.VerifySignature", "缺少签名")
}
