package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"im_core_server/pkg/errorx"
)

// ResponseData 统一响应结构体
type ResponseData struct {
	Code int `json:"code"`           // 业务响应状态码
	Msg  any `json:"msg"`            // 提示信息
	Data any `json:"data,omitempty"` // 数据
}

// HandleSuccess 返回成功响应
func HandleSuccess(c *gin.Context, data any) {
	c.JSON(http.StatusOK, ResponseData{
		Code: errorx.CodeSuccess,
		Msg:  "success",
		Data: data,
	})
}

// HandleUnavailable 依赖不可用时返回 503，data 说明失败的组件
func HandleUnavailable(c *gin.Context, data any) {
	c.JSON(http.StatusServiceUnavailable, ResponseData{
		Code: errorx.ErrServerBusy.Code,
		Msg:  errorx.ErrServerBusy.Msg,
		Data: data,
	})
}
