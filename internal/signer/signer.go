package signer

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/smallbiznis/esocialgw/internal/secretstore"
	"software.sslmate.com/src/go-pkcs12"
)

// eventPath selects the signed units inside a batch envelope.
const eventPath = "./envioLoteEventos/eventos/evento/eSocial"

var (
	ErrInvalidCredential = errors.New("invalid_credential")
	ErrSigningFailed     = errors.New("signing_failed")
	ErrInvalidSignature  = errors.New("invalid_signature")
)

// KeyPair is the signing identity unpacked from a PKCS#12 bundle.
type KeyPair struct {
	Signer      crypto.Signer
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

// LoadKeyPair decodes a credential bundle. Wrong passwords and unusable keys
// are reported as ErrInvalidCredential.
func LoadKeyPair(credential secretstore.Credential) (*KeyPair, error) {
	if len(credential.PKCS12) == 0 {
		return nil, fmt.Errorf("%w: empty certificate bundle", ErrInvalidCredential)
	}
	key, cert, chain, err := pkcs12.DecodeChain(credential.PKCS12, credential.Password)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, fmt.Errorf("%w: incorrect certificate password", ErrInvalidCredential)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok || cert == nil {
		return nil, fmt.Errorf("%w: bundle has no usable private key", ErrInvalidCredential)
	}
	return &KeyPair{Signer: signer, Certificate: cert, Chain: chain}, nil
}

// Signer embeds enveloped XML-DSig signatures into batch documents.
type Signer struct {
	now func() time.Time
}

func New() *Signer {
	return &Signer{now: time.Now}
}

// Sign signs every event document in the batch with the credential's key
// (inclusive C14N 1.0, SHA-256, RSA-SHA256) and returns the serialized batch.
func (s *Signer) Sign(batch []byte, credential secretstore.Credential) ([]byte, error) {
	pair, err := LoadKeyPair(credential)
	if err != nil {
		return nil, err
	}
	if now := s.now(); now.After(pair.Certificate.NotAfter) || now.Before(pair.Certificate.NotBefore) {
		return nil, fmt.Errorf("%w: certificate is outside its validity period", ErrInvalidCredential)
	}

	ctx, err := dsig.NewSigningContext(pair.Signer, [][]byte{pair.Certificate.Raw})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	ctx.Hash = crypto.SHA256
	ctx.IdAttribute = "Id"
	ctx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(batch); err != nil {
		return nil, fmt.Errorf("%w: parse batch: %v", ErrSigningFailed, err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: empty batch", ErrSigningFailed)
	}

	targets := root.FindElements(eventPath)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: batch has no event documents", ErrSigningFailed)
	}
	for _, el := range targets {
		signed, err := ctx.SignEnveloped(detach(el))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
		}
		replace(el, signed)
	}

	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: serialize: %v", ErrSigningFailed, err)
	}
	return out, nil
}

// Verify checks every event signature in a signed batch against cert.
func Verify(signed []byte, cert *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("%w: no certificate", ErrInvalidSignature)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(signed); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	root := doc.Root()
	if root == nil {
		return fmt.Errorf("%w: empty document", ErrInvalidSignature)
	}

	ctx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	ctx.IdAttribute = "Id"

	targets := root.FindElements(eventPath)
	if len(targets) == 0 {
		return fmt.Errorf("%w: no event documents", ErrInvalidSignature)
	}
	for _, el := range targets {
		if _, err := ctx.Validate(detach(el)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
	}
	return nil
}

// detach copies an event document into its own tree. Each document declares
// its namespace, so its canonical form does not depend on the envelope.
func detach(el *etree.Element) *etree.Element {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	return doc.Root()
}

func replace(old, replacement *etree.Element) {
	parent := old.Parent()
	index := old.Index()
	parent.RemoveChildAt(index)
	parent.InsertChildAt(index, replacement)
}
