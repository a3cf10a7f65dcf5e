package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	jwttoken "pulse/internal/jwt_token"
)

const tokenRefreshSkew = 30 * time.Second

// JWTProvider mints HS256 collector tokens for a tenant and caches each one
// until shortly before it expires. Concurrent refreshes share one signing call.
type JWTProvider struct {
	svc    *jwttoken.JWTService
	tenant string
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	group     singleflight.Group
}

// NewJWTProvider builds a provider. A non-positive ttl defaults to 15 minutes.
func NewJWTProvider(svc *jwttoken.JWTService, tenant string, ttl time.Duration) *JWTProvider {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &JWTProvider{svc: svc, tenant: tenant, ttl: ttl, now: time.Now}
}

func (p *JWTProvider) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	if p.token != "" && p.now().Add(tokenRefreshSkew).Before(p.expiresAt) {
		token := p.token
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do(p.tenant, func() (any, error) {
		token, expiresAt, err := p.svc.GenerateToken(p.tenant, "", p.ttl)
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		p.token, p.expiresAt = token, expiresAt
		p.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
