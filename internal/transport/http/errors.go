package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tempmail/disposable/internal/domain"
)

// errorMapping 业务错误 -> HTTP 状态码与中文消息
type errorMapping struct {
	err    error
	status int
	msg    string
}

// 按顺序匹配，先命中的生效
var errorMappings = []errorMapping{
	{domain.ErrQuotaExceeded, http.StatusTooManyRequests, "今日该档位的创建次数已用完，请明天再试"},
	{domain.ErrDomainInvalid, http.StatusBadRequest, "域名不可用，请使用已验证的自定义域名或公共域名"},
	{domain.ErrInvalidTier, http.StatusBadRequest, "不支持的时长档位"},
	{domain.ErrInvalidStrategy, http.StatusBadRequest, "不支持的地址分配方式"},
	{domain.ErrAddressGenerationExhausted, http.StatusServiceUnavailable, "暂时无法生成可用地址，请重试"},
	{domain.ErrStorageUnavailable, http.StatusServiceUnavailable, "服务暂时不可用，请稍后重试"},
	{domain.ErrNotFoundOrExpired, http.StatusNotFound, "邮箱不存在或已过期"},
	{domain.ErrAddressTaken, http.StatusConflict, "地址已被占用"},
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	_, msg := classify(err)
	return msg
}

// classify 返回错误对应的状态码和消息，未知错误按 500 处理
func classify(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.msg
		}
	}
	return http.StatusInternalServerError, MsgInternal
}

// respondError 把业务错误翻译成响应
func respondError(c *gin.Context, err error) {
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	Error(c, status, msg)
}

// 通用错误消息
const (
	MsgInvalidRequest  = "请求参数格式错误"
	MsgAuthRequired    = "需要登录认证"
	MsgInvalidSecret   = "webhook 密钥错误"
	MsgRateLimited     = "请求过于频繁，请稍后再试"
	MsgEntityNotFound  = "邮箱不存在或已过期"
	MsgInternal        = "服务器内部错误"
	MsgDomainsFailed   = "获取可用域名失败"
	MsgFlushFailed     = "同步失败，增量已保留等待下次刷新"
	MsgNoRecipient     = "收件邮箱不存在或已过期，邮件已丢弃"
	MsgMessageAccepted = "邮件已投递"
)
