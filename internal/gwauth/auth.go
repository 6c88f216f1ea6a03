// Package gwauth resolves an incoming HTTP request to a verified userId
// using one of the gateway's supported auth modes: Cloudflare Access JWT,
// HTTP Basic, or none (all requests treated as a single local user).
package gwauth

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/rustamtm/termgw/internal/gwconfig"
	"github.com/rustamtm/termgw/internal/gwerr"
)

// Authenticator resolves a request to a verified user id.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// New builds the Authenticator selected by cfg.AuthMode.
func New(cfg *gwconfig.Config) (Authenticator, error) {
	switch cfg.AuthMode {
	case gwconfig.AuthCloudflare:
		return newCloudflareAuth(cfg)
	case gwconfig.AuthBasic:
		return &basicAuth{user: cfg.BasicUser, passHash: cfg.BasicPassHash}, nil
	case gwconfig.AuthNone, "":
		return noneAuth{}, nil
	default:
		return nil, gwerr.New(gwerr.KindBadRequest, "unknown auth mode: "+string(cfg.AuthMode))
	}
}

// noneAuth treats every request as belonging to a single local user. It
// exists for single-operator/dev deployments (GW_AUTH_MODE=none).
type noneAuth struct{}

func (noneAuth) Authenticate(r *http.Request) (string, error) {
	return "local", nil
}

// basicAuth verifies HTTP Basic credentials against a single configured
// user and a bcrypt password hash.
type basicAuth struct {
	user     string
	passHash string
}

func (a *basicAuth) Authenticate(r *http.Request) (string, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return "", gwerr.New(gwerr.KindAuth, "missing basic auth credentials")
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(a.user)) != 1 {
		return "", gwerr.New(gwerr.KindAuth, "invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.passHash), []byte(pass)); err != nil {
		return "", gwerr.New(gwerr.KindAuth, "invalid credentials")
	}
	return user, nil
}
