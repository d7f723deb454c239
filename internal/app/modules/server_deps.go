package modules

import (
	"time"

	"campaignstate.io/core/internal/api/handlers"
	"campaignstate.io/core/internal/api/middleware"
	"campaignstate.io/core/internal/config"
)

// jwtExpiresIn is the lifetime GenerateToken gives tokens minted with this
// config. Verification does not read it: the leeway comes from
// JWTConfig.Leeway, and no handler mints tokens.
const jwtExpiresIn = 24 * time.Hour

// NewServerDeps builds base server deps then lets each module contribute explicit wiring.
func NewServerDeps(cfg *config.Config, infra *Infrastructure, mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		Pool: infra.Pool,
		JWTCfg: middleware.JWTConfig{
			SigningKey:       []byte(cfg.Security.SessionSecret),
			VerificationKeys: decodeVerificationKeys(cfg.Security.JWTVerificationKeys),
			Issuer:           "campaignstate",
			ExpiresIn:        jwtExpiresIn,
		},
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		mod.ContributeServerDeps(&deps)
	}
	return deps
}

func decodeVerificationKeys(keys []string) [][]byte {
	if len(keys) == 0 {
		return nil
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return out
}
