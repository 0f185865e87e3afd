package security

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	jwtlib "github.com/golang-jwt/jwt/v5"

	errs "MChat/tools/errs"
)

// CtxUserKey is where Middleware drops the authenticated user id.
const CtxUserKey = "authUserId"

type Options struct {
	Secret []byte
	Alg    string        // HS256/HS384/HS512, default HS256
	TTL    time.Duration // default 2h
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// TokenService signs and verifies the connection tokens clients present
// in the auth frame and on HTTP routes.
type TokenService struct {
	opts Options
}

func NewTokenService(opts Options) (*TokenService, error) {
	if _, err := signingMethod(opts.Alg); err != nil {
		return nil, err
	}
	if len(opts.Secret) == 0 {
		return nil, errs.New("jwt secret missing")
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	return &TokenService{opts: opts}, nil
}

func (s *TokenService) Generate(userID string) (token string, expireAt time.Time, err error) {
	method, _ := signingMethod(s.opts.Alg)
	now := time.Now()
	exp := now.Add(s.opts.TTL)

	claims := jwtlib.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(s.opts.Secret)
	if err != nil {
		return "", time.Time{}, errs.Wrap(err)
	}
	return signed, exp, nil
}

// Verify parses the token and returns the user id it names.
func (s *TokenService) Verify(token string) (string, error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errs.New("unexpected alg: %v", t.Header["alg"])
		}
		return s.opts.Secret, nil
	})
	if err != nil {
		return "", errs.WrapMsg(err, "parse token")
	}
	if !parsed.Valid {
		return "", errs.New("invalid token")
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return "", errs.New("claims type mismatch")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errs.New("token without subject")
	}
	return sub, nil
}

// Middleware guards HTTP routes. Accepts "Authorization: Bearer x" or
// a bare "authorization" header.
func Middleware(s *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader("authorization"))
		if authz := strings.TrimSpace(c.GetHeader("Authorization")); token == "" && authz != "" {
			if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				token = strings.TrimSpace(authz[len("bearer "):])
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		userID, err := s.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(CtxUserKey, userID)
		c.Next()
	}
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, errs.New("unsupported alg: %s", alg)
	}
}
