package handler

import (
	"net/http"

	"agencyops/internal/model"
	"agencyops/pkg/apperr"
	"agencyops/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ActorKey gin context 中已认证用户的 key
const ActorKey = "actor"

// SetActor 由认证中间件调用
func SetActor(c *gin.Context, actor model.Actor) {
	c.Set(ActorKey, actor)
	c.Set("user_id", actor.UserID.String())
}

func actorFrom(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(ActorKey)
	if !ok {
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	return actor, ok
}

// mustActor 没有认证信息时直接返回 401
func mustActor(c *gin.Context) (model.Actor, bool) {
	actor, ok := actorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return model.Actor{}, false
	}
	return actor, true
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid " + name)
	}
	return id, nil
}

// respondError 按错误类型映射状态码；内部错误只记录日志，不暴露细节
func respondError(c *gin.Context, log *zap.Logger, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		logger.WithTrace(c.Request.Context(), log).Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(kind.HTTPStatus(), gin.H{"error": apperr.PublicMessage(err)})
}
