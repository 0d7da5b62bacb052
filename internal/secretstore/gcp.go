package secretstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/smallbiznis/esocialgw/internal/observability/logger"
	"github.com/smallbiznis/esocialgw/internal/observability/metrics"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const providerGCP = "gcp"

// SecretManagerClient is the subset of the Secret Manager client used here.
type SecretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest, opts ...gax.CallOption) (*secretmanagerpb.Secret, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.SecretVersion, error)
}

type GCPStore struct {
	client    SecretManagerClient
	projectID string
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewGCPStore(client SecretManagerClient, projectID string, log *zap.Logger, m *metrics.Metrics) *GCPStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &GCPStore{
		client:    client,
		projectID: strings.TrimSpace(projectID),
		log:       log.Named("secretstore"),
		metrics:   m,
	}
}

func (s *GCPStore) Fetch(ctx context.Context, companyID string) (Credential, error) {
	name, err := s.secretName(companyID)
	if err != nil {
		s.metrics.RecordSecretFetch(ctx, providerGCP, "unavailable")
		return Credential{}, err
	}

	resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name + "/versions/latest",
	})
	if err != nil {
		mapped := classify(err)
		s.metrics.RecordSecretFetch(ctx, providerGCP, outcomeOf(mapped))
		logger.WithContext(ctx, s.log).Warn("secret fetch failed",
			zap.String("secret", name),
			zap.String("code", status.Code(err).String()),
		)
		return Credential{}, mapped
	}

	credential, err := Decode(resp.GetPayload().GetData())
	if err != nil {
		s.metrics.RecordSecretFetch(ctx, providerGCP, "invalid")
		return Credential{}, err
	}

	s.metrics.RecordSecretFetch(ctx, providerGCP, "ok")
	logger.WithContext(ctx, s.log).Debug("secret fetched",
		zap.String("secret", name),
		zap.String("version", resp.GetName()),
		zap.Object("credential", credential),
	)
	return credential, nil
}

// Upsert appends a new version, creating the secret container on first use.
func (s *GCPStore) Upsert(ctx context.Context, companyID string, credential Credential) error {
	name, err := s.secretName(companyID)
	if err != nil {
		return err
	}
	data, err := Encode(credential)
	if err != nil {
		return err
	}

	err = s.addVersion(ctx, name, data)
	if status.Code(err) == codes.NotFound {
		if err := s.createSecret(ctx, name); err != nil {
			return err
		}
		err = s.addVersion(ctx, name, data)
	}
	if err != nil {
		return classify(err)
	}

	logger.WithContext(ctx, s.log).Info("secret version added", zap.String("secret", name))
	return nil
}

func (s *GCPStore) addVersion(ctx context.Context, name string, data []byte) error {
	_, err := s.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  name,
		Payload: &secretmanagerpb.SecretPayload{Data: data},
	})
	return err
}

func (s *GCPStore) createSecret(ctx context.Context, name string) error {
	secretID := name[strings.LastIndex(name, "/")+1:]
	_, err := s.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + s.projectID,
		SecretId: secretID,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
			Labels: map[string]string{"managed-by": "esocialgw"},
		},
	})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	if err != nil {
		return classify(err)
	}
	logger.WithContext(ctx, s.log).Info("secret created", zap.String("secret", name))
	return nil
}

func (s *GCPStore) secretName(companyID string) (string, error) {
	if s.projectID == "" {
		return "", fmt.Errorf("%w: project is not configured", ErrSecretUnavailable)
	}
	id, err := SecretID(companyID)
	if err != nil {
		return "", err
	}
	return "projects/" + s.projectID + "/secrets/" + id, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return ErrSecretNotFound
	default:
		return fmt.Errorf("%w: %s", ErrSecretUnavailable, status.Code(err))
	}
}

func outcomeOf(err error) string {
	if errors.Is(err, ErrSecretNotFound) {
		return "not_found"
	}
	return "unavailable"
}
