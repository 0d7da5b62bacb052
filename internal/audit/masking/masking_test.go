package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret("  "))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "****5678", MaskSecret("12345678"))
	assert.Equal(t, "esocial_cert_****0181", MaskSecret("esocial_cert_11222333000181"))
}

func TestRedactRemovesKnownSecrets(t *testing.T) {
	msg := Redact("pkcs12: decode with s3cr3t-pass failed", "s3cr3t-pass")
	assert.Equal(t, "pkcs12: decode with **** failed", msg)
}

func TestRedactIgnoresShortSecrets(t *testing.T) {
	assert.Equal(t, "abc def", Redact("abc def", "ab", ""))
}

func TestRedactPasswordAssignments(t *testing.T) {
	assert.Equal(t, "login failed password=****", Redact("login failed password=hunter22"))
	assert.Equal(t, `bundle {"password": ****}`, Redact(`bundle {"password": "x y z"}`))
}
