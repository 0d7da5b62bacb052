package signer

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/esocialgw/internal/batch"
	"github.com/smallbiznis/esocialgw/internal/compliance/domain"
	"github.com/smallbiznis/esocialgw/internal/secretstore"
	"github.com/smallbiznis/esocialgw/internal/testsupport/certtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func unsignedBatch(t *testing.T) []byte {
	t.Helper()
	event := domain.ComplianceEvent{
		ID:            snowflake.ID(1234567890123),
		EventType:     domain.EventTypeAdmission,
		CompanyID:     "11222333000181",
		SubjectID:     "12345678909",
		ReferenceDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:     time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Payload: datatypes.JSON(`{"name":"Maria Silva","birth_date":"1990-05-17","sex":"F",
			"registration":"MAT-001","job_title":"Analista","cbo":"252105","salary":"4500.00"}`),
	}
	out, err := batch.New(batch.Options{}).Build(event)
	require.NoError(t, err)
	return out
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	cred, cert := certtest.IssueValid(t, "changeit")
	unsigned := unsignedBatch(t)

	signed, err := New().Sign(unsigned, cred)
	require.NoError(t, err)

	assert.Contains(t, string(signed), "Signature")
	assert.Contains(t, string(signed), "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256")
	assert.Contains(t, string(signed), "http://www.w3.org/TR/2001/REC-xml-c14n-20010315")
	assert.Contains(t, string(signed), "<nmTrab>Maria Silva</nmTrab>")
	require.NoError(t, Verify(signed, cert))
}

func TestAnyBodyMutationInvalidatesSignature(t *testing.T) {
	cred, cert := certtest.IssueValid(t, "changeit")
	signed, err := New().Sign(unsignedBatch(t), cred)
	require.NoError(t, err)

	mutations := []struct{ from, to string }{
		{"Maria Silva", "Maria Silvb"},
		{"<vrSalFx>4500.00</vrSalFx>", "<vrSalFx>4500.01</vrSalFx>"},
		{"<CBOCargo>252105</CBOCargo>", "<CBOCargo>252106</CBOCargo>"},
		{"<cpfTrab>12345678909</cpfTrab>", "<cpfTrab>12345678908</cpfTrab>"},
	}
	for _, m := range mutations {
		require.True(t, bytes.Contains(signed, []byte(m.from)), m.from)
		tampered := bytes.Replace(signed, []byte(m.from), []byte(m.to), 1)
		assert.ErrorIs(t, Verify(tampered, cert), ErrInvalidSignature, "mutation %q", m.from)
	}
}

func TestVerifyRejectsOtherCertificate(t *testing.T) {
	cred, _ := certtest.IssueValid(t, "changeit")
	_, other := certtest.IssueValid(t, "changeit")

	signed, err := New().Sign(unsignedBatch(t), cred)
	require.NoError(t, err)
	assert.ErrorIs(t, Verify(signed, other), ErrInvalidSignature)
}

func TestVerifyRejectsUnsignedBatch(t *testing.T) {
	_, cert := certtest.IssueValid(t, "changeit")
	assert.ErrorIs(t, Verify(unsignedBatch(t), cert), ErrInvalidSignature)
}

func TestSignWrongPassword(t *testing.T) {
	cred, _ := certtest.IssueValid(t, "changeit")
	cred.Password = "wrong"

	_, err := New().Sign(unsignedBatch(t), cred)
	require.ErrorIs(t, err, ErrInvalidCredential)
	assert.NotContains(t, err.Error(), "changeit")
}

func TestSignGarbageBundle(t *testing.T) {
	_, err := New().Sign(unsignedBatch(t), secretstore.Credential{PKCS12: []byte("not a bundle"), Password: "x"})
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = New().Sign(unsignedBatch(t), secretstore.Credential{})
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestSignExpiredCertificate(t *testing.T) {
	past := time.Now().Add(-48 * time.Hour)
	cred, _ := certtest.Issue(t, "changeit", past.Add(-time.Hour), past)

	_, err := New().Sign(unsignedBatch(t), cred)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestSignRejectsDocumentWithoutEvents(t *testing.T) {
	cred, _ := certtest.IssueValid(t, "changeit")

	_, err := New().Sign([]byte(`<eSocial><envioLoteEventos/></eSocial>`), cred)
	assert.ErrorIs(t, err, ErrSigningFailed)

	_, err = New().Sign([]byte(`<<<`), cred)
	assert.ErrorIs(t, err, ErrSigningFailed)
}

func TestSignLeavesEnvelopeUntouched(t *testing.T) {
	cred, _ := certtest.IssueValid(t, "changeit")
	unsigned := unsignedBatch(t)

	signed, err := New().Sign(unsigned, cred)
	require.NoError(t, err)

	doc := string(unsigned)
	head := doc[strings.Index(doc, "<eSocial"):strings.Index(doc, "<eventos>")]
	assert.Contains(t, string(signed), head)
}
