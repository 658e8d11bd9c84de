package auth

import (
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// A TokenRecord describes one opaque bearer token.
type TokenRecord struct {
	ID           string `json:"id"`
	InstanceName string `json:"instance_name"`
	CustomerSlug string `json:"customer_slug"`
	IsActive     bool   `json:"is_active"`
}

// A TokenAuthenticator validates opaque bearer tokens against an in-memory
// mapping. The mapping is hot-swappable so a background refresher can rotate
// it without interrupting traffic. Valid tokens grant full access to their
// instance.
type TokenAuthenticator struct {
	mapping atomic.Pointer[map[string]TokenRecord]
}

// NewTokenAuthenticator creates an authenticator over the given mapping.
func NewTokenAuthenticator(mapping map[string]TokenRecord) *TokenAuthenticator {
	a := &TokenAuthenticator{}
	a.Swap(mapping)
	return a
}

// Swap atomically replaces the token mapping.
func (a *TokenAuthenticator) Swap(mapping map[string]TokenRecord) {
	a.mapping.Store(&mapping)
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, instance string, required Permission) error {
	token, err := BearerToken(ctx)
	if err != nil {
		return err
	}
	record, present := (*a.mapping.Load())[token]
	if !present {
		log.Warning("Rejecting unknown token %s...", tokenPrefix(token))
		return status.Errorf(codes.Unauthenticated, "unknown credential")
	} else if !record.IsActive {
		log.Warning("Rejecting inactive token %s... (%s)", tokenPrefix(token), record.ID)
		return status.Errorf(codes.Unauthenticated, "credential has been deactivated")
	} else if record.InstanceName != instance {
		log.Warning("Rejecting token %s... for instance %s: issued for %s", tokenPrefix(token), instance, record.InstanceName)
		return status.Errorf(codes.Unauthenticated, "credential is not valid for instance %s", instance)
	}
	return nil
}

// S3RefresherConfig configures the token mapping refresher.
type S3RefresherConfig struct {
	Bucket    string        `yaml:"s3_bucket"`
	Region    string        `yaml:"s3_region"`
	Path      string        `yaml:"s3_path"`
	Frequency time.Duration `yaml:"-"`
}

// RefreshFromS3 loads the token mapping from the configured object and
// re-polls it forever, atomically swapping in each new version. The initial
// load is synchronous so a broken config fails startup.
func (a *TokenAuthenticator) RefreshFromS3(ctx context.Context, cfg S3RefresherConfig) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return err
	}
	client := s3.NewFromConfig(awsCfg)
	if err := a.refresh(ctx, client, cfg); err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.Frequency):
			}
			if err := a.refresh(ctx, client, cfg); err != nil {
				// Keep serving the previous mapping until the next poll.
				log.Error("Failed to refresh token mapping: %s", err)
			}
		}
	}()
	return nil
}

func (a *TokenAuthenticator) refresh(ctx context.Context, client *s3.Client, cfg S3RefresherConfig) error {
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &cfg.Bucket,
		Key:    &cfg.Path,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	mapping := map[string]TokenRecord{}
	if err := json.Unmarshal(b, &mapping); err != nil {
		return err
	}
	a.Swap(mapping)
	log.Info("Refreshed token mapping: %d tokens", len(mapping))
	return nil
}
