package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code int         `json:"code"`           // 业务状态码
	Msg  string      `json:"msg"`            // 中文提示信息
	Data interface{} `json:"data,omitempty"` // 数据载荷
}

// 业务状态码定义
const (
	CodeSuccess  = 200 // 成功
	CodeCreated  = 201 // 创建成功
	CodeAccepted = 202 // 已受理

	CodeBadRequest      = 400 // 请求参数错误
	CodeUnauthorized    = 401 // 未认证
	CodeNotFound        = 404 // 资源不存在
	CodeConflict        = 409 // 资源冲突
	CodeTooManyRequests = 429 // 超出配额或限流

	CodeInternalError      = 500 // 服务器内部错误
	CodeServiceUnavailable = 503 // 暂时不可用，可稍后重试
)

// Success 成功响应（200）
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: CodeSuccess,
		Msg:  "成功",
		Data: data,
	})
}

// SuccessWithMsg 成功响应（自定义消息）
func SuccessWithMsg(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code: CodeSuccess,
		Msg:  msg,
		Data: data,
	})
}

// Created 创建成功响应（201）
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code: CodeCreated,
		Msg:  "创建成功",
		Data: data,
	})
}

// Accepted 已受理（202），入站邮件找不到收件邮箱时使用
func Accepted(c *gin.Context, msg string, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Code: CodeAccepted,
		Msg:  msg,
		Data: data,
	})
}

// NoContent 无内容响应（204）- 删除成功
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, msg)
}

// Unauthorized 未认证错误（401）
func Unauthorized(c *gin.Context, msg string) {
	Error(c, http.StatusUnauthorized, msg)
}

// NotFound 资源不存在错误（404）
func NotFound(c *gin.Context, msg string) {
	Error(c, http.StatusNotFound, msg)
}

// TooManyRequests 超出配额或限流（429）
func TooManyRequests(c *gin.Context, msg string) {
	Error(c, http.StatusTooManyRequests, msg)
}

// InternalError 服务器内部错误（500）
func InternalError(c *gin.Context, msg string) {
	Error(c, http.StatusInternalServerError, msg)
}

// Error 通用错误响应（根据HTTP状态码自动选择）
func Error(c *gin.Context, httpCode int, msg string) {
	c.JSON(httpCode, Response{
		Code: httpCode,
		Msg:  msg,
		Data: nil,
	})
}
