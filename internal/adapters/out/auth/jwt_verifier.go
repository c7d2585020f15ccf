package auth

import (
	"context"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/jwt"
)

// JWTVerifier 用共享密钥校验登录服务签发的 token
type JWTVerifier struct {
	manager jwt.Manager
}

var _ out.TokenVerifier = (*JWTVerifier)(nil)

func NewJWTVerifier(manager jwt.Manager) *JWTVerifier {
	return &JWTVerifier{manager: manager}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (entity.Identity, error) {
	claims, err := v.manager.Parse(token)
	if err != nil {
		return "", err
	}
	return entity.Identity(claims.Identity()), nil
}
