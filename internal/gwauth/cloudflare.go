package gwauth

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rustamtm/termgw/internal/gwconfig"
	"github.com/rustamtm/termgw/internal/gwerr"
)

// AccessClaims are the JWT claims Cloudflare Access puts in its CF-Access-Jwt-Assertion.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

type cloudflareAuth struct {
	key      any // *rsa.PublicKey or *ecdsa.PublicKey
	issuer   string
	audience string
}

func newCloudflareAuth(cfg *gwconfig.Config) (*cloudflareAuth, error) {
	raw := cfg.CFIssuer // issuer URL; the verification key is supplied out of band, see parsePublicKeyFromEnv
	key, err := parsePublicKeyFromEnv("GW_CF_PUBLIC_KEY")
	if err != nil {
		return nil, err
	}
	return &cloudflareAuth{key: key, issuer: raw, audience: cfg.CFAudience}, nil
}

// Authenticate verifies the CF-Access-Jwt-Assertion header (as issued by a
// Cloudflare Access application) and returns the verified email as userID.
func (a *cloudflareAuth) Authenticate(r *http.Request) (string, error) {
	raw := r.Header.Get("Cf-Access-Jwt-Assertion")
	if raw == "" {
		return "", gwerr.New(gwerr.KindAuth, "missing Cf-Access-Jwt-Assertion header")
	}

	token, err := jwt.ParseWithClaims(raw, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodRSA:
			if _, ok := a.key.(*rsa.PublicKey); !ok {
				return nil, fmt.Errorf("token uses RSA but configured key is not RSA")
			}
		case *jwt.SigningMethodECDSA:
			if _, ok := a.key.(*ecdsa.PublicKey); !ok {
				return nil, fmt.Errorf("token uses ECDSA but configured key is not ECDSA")
			}
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.key, nil
	},
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
	)
	if err != nil {
		return "", gwerr.Wrap(gwerr.KindAuth, "invalid access token", err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return "", gwerr.New(gwerr.KindAuth, "invalid access token claims")
	}
	if claims.Email == "" {
		return "", gwerr.New(gwerr.KindAuth, "access token missing email claim")
	}
	return claims.Email, nil
}

// parsePublicKeyFromEnv reads a PEM or base64-DER public key (RSA or EC)
// from the named environment variable.
func parsePublicKeyFromEnv(envVar string) (any, error) {
	val := os.Getenv(envVar)
	if val == "" {
		return nil, gwerr.New(gwerr.KindAuth, envVar+" is required for cloudflare auth mode")
	}

	var der []byte
	if block, _ := pem.Decode([]byte(val)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(val))
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindAuth, "decode "+envVar, err)
		}
		der = decoded
	}

	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return key, nil
	}
	return nil, gwerr.New(gwerr.KindAuth, "unable to parse "+envVar+" as an RSA or EC public key")
}
