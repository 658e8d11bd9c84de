package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/toolchainlabs/remexec/src/auth"
)

// TokenMappingConfig configures where the opaque token mapping lives and how
// often to re-poll it.
type TokenMappingConfig struct {
	S3Bucket          string `yaml:"s3_bucket"`
	S3Region          string `yaml:"s3_region"`
	S3Path            string `yaml:"s3_path"`
	RefreshFrequencyS int    `yaml:"refresh_frequency_s"`
}

// defaultRefreshFrequency is how often the token mapping is re-polled when
// the config doesn't say.
const defaultRefreshFrequency = 5 * time.Minute

// Serve starts every configured listener and blocks forever.
// Configuration errors (dangling backends, unreadable JWK sets, a broken
// token mapping) fail before anything is served.
func Serve(cfg *Config) error {
	if len(cfg.ListenAddresses) == 0 {
		return fmt.Errorf("no listen addresses configured")
	}
	router, err := NewRouter(cfg)
	if err != nil {
		return err
	}
	var tokenAuth *auth.TokenAuthenticator
	for _, l := range cfg.ListenAddresses {
		a, err := buildAuthenticator(cfg, l.AuthScheme, &tokenAuth)
		if err != nil {
			return err
		}
		go ServeForever(l.Address, NewServer(router, a, l.AllowedServiceNames), cfg.GRPC.ServerOptions()...)
	}
	select {}
}

// buildAuthenticator constructs the authenticator for one listener. The
// token authenticator (and its refresher) is shared between listeners.
func buildAuthenticator(cfg *Config, scheme string, tokenAuth **auth.TokenAuthenticator) (auth.Authenticator, error) {
	switch scheme {
	case "jwt":
		return auth.NewJWTAuthenticator(cfg.JWKSetPath)
	case "auth_token":
		if *tokenAuth == nil {
			*tokenAuth = auth.NewTokenAuthenticator(nil)
			if cfg.AuthTokenMapping != nil {
				m := cfg.AuthTokenMapping
				frequency := defaultRefreshFrequency
				if m.RefreshFrequencyS > 0 {
					frequency = time.Duration(m.RefreshFrequencyS) * time.Second
				}
				if err := (*tokenAuth).RefreshFromS3(context.Background(), auth.S3RefresherConfig{
					Bucket:    m.S3Bucket,
					Region:    m.S3Region,
					Path:      m.S3Path,
					Frequency: frequency,
				}); err != nil {
					return nil, fmt.Errorf("failed to load token mapping: %s", err)
				}
			}
		}
		return *tokenAuth, nil
	case "dev_only_no_auth":
		log.Warning("Serving with authentication DISABLED; never do this in production")
		return auth.NoAuth{}, nil
	default:
		return nil, fmt.Errorf("unknown auth scheme %q", scheme)
	}
}
