package zlog

import (
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levels = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"warn":  zap.WarnLevel,
	"error": zap.ErrorLevel,
}

var (
	dynamicLevel = zap.NewAtomicLevelAt(zap.InfoLevel) // 全局可变级别
	levelName    atomic.Value
)

// SetLevel 热更新日志级别，未知级别返回 false
func SetLevel(lvl string) bool {
	lvl = strings.ToLower(lvl)
	l, ok := levels[lvl]
	if !ok {
		return false
	}
	dynamicLevel.SetLevel(l)
	levelName.Store(lvl)
	return true
}

// GetLevel 当前级别
func GetLevel() string {
	if v, ok := levelName.Load().(string); ok {
		return v
	}
	return "info"
}

type levelRequest struct {
	Level string `json:"level" binding:"required"`
}

// LevelHandler 注册到 /log/level，GET 查询，PUT {"level":"debug"} 修改
func LevelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPut {
			c.JSON(http.StatusOK, gin.H{"level": GetLevel()})
			return
		}

		var req levelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !SetLevel(req.Level) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level " + req.Level})
			return
		}
		C(c.Request.Context()).Info("log level changed", zap.String("level", GetLevel()))
		c.JSON(http.StatusOK, gin.H{"level": GetLevel()})
	}
}
