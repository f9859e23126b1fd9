package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lk2023060901/iris-garden-go/pkg/util/merr"
)

// Verifier 校验接入凭证并解析出用户身份。
type Verifier interface {
	// Verify 校验凭证，返回凭证声明的用户 ID。
	Verify(token string) (userID string, err error)
}

// Claims 为接入令牌的载荷。Type 必须为 "access"，
// 刷新令牌不允许用于实时通道握手。
type Claims struct {
	Type string `json:"type"`
	jwt.RegisteredClaims
}

// JWTVerifier 基于 HS256 对称签名校验接入令牌。
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier 构造 JWT 校验器。
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify 实现 Verifier.Verify。
func (v *JWTVerifier) Verify(token string) (string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, merr.WrapErrCredentialInvalid("unexpected signing method " + t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return "", merr.WrapErrCredentialInvalid(err.Error())
	}
	if !parsed.Valid {
		return "", merr.WrapErrCredentialInvalid("token not valid")
	}
	if claims.Type != "access" {
		return "", merr.WrapErrCredentialInvalid("token type " + claims.Type + " not allowed")
	}
	if claims.Subject == "" {
		return "", merr.WrapErrCredentialInvalid("missing subject")
	}
	return claims.Subject, nil
}

// Issue 签发一枚接入令牌，供测试与配套工具使用。
func Issue(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Type: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
