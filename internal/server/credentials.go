package server

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/esocialgw/internal/observability/logger"
	"github.com/smallbiznis/esocialgw/internal/secretstore"
	"github.com/smallbiznis/esocialgw/internal/signer"
	"go.uber.org/zap"
)

type upsertCredentialRequest struct {
	PKCS12   string `json:"pkcs12"`
	Password string `json:"password"`
}

type credentialResponse struct {
	CompanyID string    `json:"company_id"`
	Subject   string    `json:"subject"`
	NotBefore time.Time `json:"not_before"`
	NotAfter  time.Time `json:"not_after"`
}

// UpsertCredential stores a new version of the company's signing
// certificate. The bundle is opened first so a wrong password is reported
// here rather than on the next submission.
func (s *Server) UpsertCredential(c *gin.Context) {
	companyID := strings.TrimSpace(c.Param("company_id"))
	if !isCNPJ(companyID) {
		AbortWithError(c, newValidationError("company_id", "invalid_company", validationErrorMessage("invalid_company")))
		return
	}

	var req upsertCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.PKCS12))
	if err != nil || len(raw) == 0 {
		AbortWithError(c, newValidationError("pkcs12", "invalid_pkcs12", "pkcs12 must be a base64 encoded certificate bundle"))
		return
	}

	credential := secretstore.Credential{PKCS12: raw, Password: req.Password}
	pair, err := signer.LoadKeyPair(credential)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := s.secrets.Upsert(ctx, companyID, credential); err != nil {
		AbortWithError(c, err)
		return
	}
	logger.FromContext(ctx).Info("signing credential stored",
		zap.String("company_id", companyID),
		zap.Time("not_after", pair.Certificate.NotAfter),
	)

	c.JSON(http.StatusOK, gin.H{"data": credentialResponse{
		CompanyID: companyID,
		Subject:   pair.Certificate.Subject.CommonName,
		NotBefore: pair.Certificate.NotBefore,
		NotAfter:  pair.Certificate.NotAfter,
	}})
}

func isCNPJ(value string) bool {
	if len(value) != 14 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
