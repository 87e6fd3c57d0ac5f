package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// SecretsManagerAPI is the subset of the Secrets Manager client the store
// uses.
type SecretsManagerAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

// SecretsManager stores secrets in AWS Secrets Manager. The service has no
// native TTL, so expiring entries carry their deadline in a small JSON
// envelope checked on read.
type SecretsManager struct {
	client SecretsManagerAPI
	prefix string
}

// NewSecretsManager creates a store. All secret names are namespaced under
// prefix.
func NewSecretsManager(client SecretsManagerAPI, prefix string) *SecretsManager {
	return &SecretsManager{client: client, prefix: prefix}
}

type envelope struct {
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *SecretsManager) name(name string) string {
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

func (s *SecretsManager) Create(ctx context.Context, name, value string, ttl time.Duration) error {
	env := envelope{Value: value}
	if ttl > 0 {
		deadline := time.Now().UTC().Add(ttl)
		env.ExpiresAt = &deadline
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode secret: %w", err)
	}

	full := s.name(name)
	_, err = s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(full),
		SecretString: aws.String(string(body)),
	})
	var exists *types.ResourceExistsException
	if errors.As(err, &exists) {
		_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
			SecretId:     aws.String(full),
			SecretString: aws.String(string(body)),
		})
	}
	if err != nil {
		return fmt.Errorf("store secret %s: %w", name, err)
	}
	return nil
}

func (s *SecretsManager) Get(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.name(name)),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}

	var env envelope
	if out.SecretString == nil || json.Unmarshal([]byte(*out.SecretString), &env) != nil {
		// Secrets written outside this store are served as-is.
		return aws.ToString(out.SecretString), nil
	}
	if env.ExpiresAt != nil && !time.Now().Before(*env.ExpiresAt) {
		_ = s.Delete(ctx, name)
		return "", ErrNotFound
	}
	return env.Value, nil
}

func (s *SecretsManager) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(s.name(name)),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete secret %s: %w", name, err)
	}
	return nil
}
