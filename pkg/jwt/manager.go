package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSubject    = errors.New("token has no subject")
)

// Claims 兼容旧客户端的 userId 字段，新签发的 token 同时写入 sub
type Claims struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Identity 返回 token 代表的用户
func (c *Claims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Manager 负责 JWT 的签发与解析
type Manager interface {
	Generate(subject, username string, ttl time.Duration) (string, error)
	Parse(tokenStr string) (*Claims, error)
}

type manager struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewManager 用给定的 secret 构造 Manager，issuer 为空时不校验
func NewManager(secret, issuer string) Manager {
	return &manager{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Generate 签发 HS256 token
func (m *manager) Generate(subject, username string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", ErrNoSubject
	}

	now := m.now()
	claims := Claims{
		UserID:   subject,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Parse 验签并解析，只接受 HMAC 签名
func (m *manager) Parse(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Identity() == "" {
		return nil, ErrNoSubject
	}
	return claims, nil
}
