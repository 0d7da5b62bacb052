package secretstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gosimple/slug"
	"go.uber.org/zap/zapcore"
)

const secretPrefix = "esocial-cert-"

var (
	ErrSecretUnavailable = errors.New("secret_unavailable")
	ErrSecretNotFound    = errors.New("secret_not_found")
	ErrInvalidSecret     = errors.New("invalid_secret")
	ErrInvalidCompany    = errors.New("invalid_company")
)

// Store reads and writes per-company signing credentials. Implementations
// never persist credentials locally.
type Store interface {
	Fetch(ctx context.Context, companyID string) (Credential, error)
	Upsert(ctx context.Context, companyID string, credential Credential) error
}

// Credential is a company's PKCS#12 certificate bundle and its password.
type Credential struct {
	PKCS12   []byte
	Password string
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{pkcs12:%d bytes, password:****}", len(c.PKCS12))
}

func (c Credential) GoString() string {
	return c.String()
}

func (c Credential) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("pkcs12_bytes", len(c.PKCS12))
	enc.AddBool("has_password", c.Password != "")
	return nil
}

func (c Credential) Validate() error {
	if len(c.PKCS12) == 0 {
		return ErrInvalidSecret
	}
	return nil
}

type bundle struct {
	PKCS12   string `json:"pkcs12"`
	Password string `json:"password"`
}

// Encode serializes the credential into the secret payload stored remotely.
func Encode(c Credential) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(bundle{
		PKCS12:   base64.StdEncoding.EncodeToString(c.PKCS12),
		Password: c.Password,
	})
}

// Decode parses a secret payload written by Encode.
func Decode(data []byte) (Credential, error) {
	var b bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return Credential{}, ErrInvalidSecret
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b.PKCS12))
	if err != nil || len(raw) == 0 {
		return Credential{}, ErrInvalidSecret
	}
	return Credential{PKCS12: raw, Password: b.Password}, nil
}

// SecretID derives the secret container name for a company.
func SecretID(companyID string) (string, error) {
	s := slug.Make(strings.TrimSpace(companyID))
	if s == "" {
		return "", ErrInvalidCompany
	}
	return secretPrefix + s, nil
}
