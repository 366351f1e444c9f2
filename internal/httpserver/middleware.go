package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"agencyops/internal/handler"
	"agencyops/internal/model"
	"agencyops/internal/repository"
	"agencyops/pkg/apperr"
	"agencyops/pkg/logger"
	"agencyops/pkg/metrics"
	"agencyops/pkg/trace"
	"agencyops/pkg/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CronSecretHeader 外部定时任务携带的共享密钥 header
const CronSecretHeader = "x-cron-secret"

// TraceMiddleware 读取或生成 X-Trace-ID，写入 request context 和响应头
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := trace.Ensure(c.GetHeader(trace.HeaderName))
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.HeaderName, traceID)
		c.Next()
	}
}

// RequestLogger 记录请求日志和延迟指标
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), latency)

		logger.WithTrace(c.Request.Context(), log).Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", latency),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// AuthMiddleware 校验 access token，并确认用户存在且处于 active 状态
func AuthMiddleware(jwtSecret string, users repository.UserStore, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSecret == "" {
			log.Error("JWT_SECRET is not configured")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Auth not configured"})
			return
		}

		token := util.ExtractToken(c.Request)
		if token == "" {
			abortWith(c, apperr.Auth("Unauthorized"))
			return
		}

		claims, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			abortWith(c, apperr.Auth("Invalid or expired token"))
			return
		}

		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			abortWith(c, apperr.Auth("Invalid or expired token"))
			return
		}

		user, err := users.GetUser(c.Request.Context(), userID)
		if err != nil {
			if apperr.KindOf(err) != apperr.KindNotFound {
				logger.WithTrace(c.Request.Context(), log).Error("Failed to load token user", zap.Error(err))
				abortWith(c, apperr.Internal(err))
				return
			}
			abortWith(c, apperr.Auth("Unauthorized"))
			return
		}
		if !user.IsActive {
			abortWith(c, apperr.Auth("Account is deactivated"))
			return
		}

		handler.SetActor(c, model.Actor{UserID: user.ID, Role: user.Role})
		c.Next()
	}
}

// CronMiddleware 服务间调用的共享密钥认证，和用户会话认证互相独立
func CronMiddleware(secret string, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			log.Error("CRON_SECRET is not configured")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Cron not configured"})
			return
		}

		provided := c.GetHeader(CronSecretHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			logger.WithTrace(c.Request.Context(), log).Warn("Invalid cron secret provided",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func abortWith(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperr.KindOf(err).HTTPStatus(), gin.H{"error": apperr.PublicMessage(err)})
}
