package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/internal/logging"
	"github.com/layer-3/warden/internal/webauthn"
	"github.com/layer-3/warden/service"
)

// Handlers contains the HTTP handlers for every endpoint
type Handlers struct {
	ceremonies *service.CeremonyService
	sessions   *service.SessionService
	risk       *service.RiskEngine
	phishing   *service.PhishingChecker
}

// NewHandlers creates new handlers
func NewHandlers(
	ceremonies *service.CeremonyService,
	sessions *service.SessionService,
	risk *service.RiskEngine,
	phishing *service.PhishingChecker,
) *Handlers {
	return &Handlers{
		ceremonies: ceremonies,
		sessions:   sessions,
		risk:       risk,
		phishing:   phishing,
	}
}

type walletRequest struct {
	Wallet string `json:"wallet" binding:"required"`
}

type sessionResponse struct {
	Verified     bool               `json:"verified"`
	UserID       string             `json:"userId"`
	CredentialID webauthn.Base64URL `json:"credentialId"`
	Token        string             `json:"token"`
	TokenType    string             `json:"tokenType"`
	ExpiresAt    time.Time          `json:"expiresAt"`
}

// BeginRegistration issues registration options for a wallet
func (h *Handlers) BeginRegistration(c *gin.Context) {
	var req walletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	opts, err := h.ceremonies.BeginRegistration(c.Request.Context(), req.Wallet)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

// CompleteRegistration verifies an attestation and opens a session
func (h *Handlers) CompleteRegistration(c *gin.Context) {
	var req service.RegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	res, err := h.ceremonies.CompleteRegistration(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	h.openSession(c, res)
}

// BeginAuthentication issues an assertion challenge for a wallet
func (h *Handlers) BeginAuthentication(c *gin.Context) {
	var req walletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	opts, err := h.ceremonies.BeginAuthentication(c.Request.Context(), req.Wallet)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

// CompleteAuthentication verifies an assertion and opens a session
func (h *Handlers) CompleteAuthentication(c *gin.Context) {
	var req service.AuthenticationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	res, err := h.ceremonies.CompleteAuthentication(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	h.openSession(c, res)
}

func (h *Handlers) openSession(c *gin.Context, res *service.CeremonyResult) {
	issued, err := h.sessions.Issue(c.Request.Context(), res.User, requestMeta(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse{
		Verified:     true,
		UserID:       res.UserID,
		CredentialID: res.CredentialID,
		Token:        issued.Token,
		TokenType:    "Bearer",
		ExpiresAt:    issued.ExpiresAt,
	})
}

// Logout invalidates the presented token. Expired tokens are accepted.
func (h *Handlers) Logout(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
		return
	}

	if _, err := h.sessions.Revoke(c.Request.Context(), token); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// LogoutAll invalidates every session of the authenticated user
func (h *Handlers) LogoutAll(c *gin.Context) {
	n, err := h.sessions.RevokeAll(c.Request.Context(), sessionFrom(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out", "revoked": n})
}

// Me returns the authenticated user
func (h *Handlers) Me(c *gin.Context) {
	session := sessionFrom(c)

	user, err := h.sessions.User(c.Request.Context(), session.UserID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":          user.ID,
		"wallet":          user.Wallet,
		"safeModeEnabled": user.SafeModeEnabled,
		"sessionExpires":  session.ExpiresAt,
	})
}

// Authorize reports success for any request that passed the auth middleware
func (h *Handlers) Authorize(c *gin.Context) {
	session := sessionFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"authorized": true,
		"userId":     session.UserID,
		"wallet":     session.Wallet,
		"safeMode":   session.SafeMode,
	})
}

// SetSafeMode updates the user's safe mode preference
func (h *Handlers) SetSafeMode(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	user, err := h.sessions.SetSafeMode(c.Request.Context(), sessionFrom(c).UserID, *req.Enabled)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"safeModeEnabled": user.SafeModeEnabled})
}

// RevokeCredential removes one of the caller's credentials
func (h *Handlers) RevokeCredential(c *gin.Context) {
	id, err := webauthn.DecodeBase64URL(c.Param("id"))
	if err != nil || len(id) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid credential id"})
		return
	}

	if err := h.ceremonies.RevokeCredential(c.Request.Context(), sessionFrom(c).Wallet, id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type transactionRequest struct {
	WalletID     string             `json:"walletId"`
	Amount       decimal.Decimal    `json:"amount"`
	Recipient    string             `json:"recipient" binding:"required"`
	Instructions []core.Instruction `json:"instructions"`
}

// AssessTransaction scores a candidate transfer for the caller
func (h *Handlers) AssessTransaction(c *gin.Context) {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	session := sessionFrom(c)

	a, err := h.risk.AssessTransaction(c.Request.Context(), core.TransactionInput{
		UserID:       session.UserID,
		WalletID:     req.WalletID,
		Amount:       req.Amount,
		Recipient:    req.Recipient,
		Instructions: req.Instructions,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"assessment": a,
		"safeMode":   session.SafeMode,
		"allowed":    !(a.IsBlocked && session.SafeMode),
	})
}

// ConfirmTransaction records an executed transfer in the caller's profile
func (h *Handlers) ConfirmTransaction(c *gin.Context) {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	profile, err := h.risk.UpdateBehaviorProfile(c.Request.Context(), sessionFrom(c).UserID, core.ProfileUpdate{
		Amount:    req.Amount,
		Recipient: req.Recipient,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"txnCount":  profile.TxnCount,
		"avgAmount": profile.AvgAmount,
	})
}

// CheckURL classifies a URL
func (h *Handlers) CheckURL(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	res, err := h.phishing.CheckURL(c.Request.Context(), req.URL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CheckAddress classifies an address against the caller's usual recipients
func (h *Handlers) CheckAddress(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	known, err := h.risk.KnownRecipients(c.Request.Context(), sessionFrom(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}

	res, err := h.phishing.CheckAddress(c.Request.Context(), req.Address, known)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Health reports liveness
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps service errors to status codes
func writeError(c *gin.Context, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, core.ErrChallengeNotFound):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Challenge not found"})
	case errors.Is(err, core.ErrChallengeExpired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Challenge expired"})
	case errors.Is(err, core.ErrVerificationFailed):
		c.JSON(http.StatusUnauthorized, gin.H{"verified": false, "error": "Verification failed"})
	case errors.Is(err, core.ErrUnknownCredential):
		c.JSON(http.StatusUnauthorized, gin.H{"verified": false, "error": "Unknown credential"})
	case errors.Is(err, core.ErrPossibleReplay):
		c.JSON(http.StatusUnauthorized, gin.H{"verified": false, "error": "Possible replay"})
	case errors.Is(err, core.ErrNoCredential):
		c.JSON(http.StatusNotFound, gin.H{"error": "No credential registered"})
	case errors.Is(err, core.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
	case errors.Is(err, core.ErrCredentialExists):
		c.JSON(http.StatusConflict, gin.H{"error": "Credential already registered"})
	case errors.Is(err, core.ErrTokenExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token expired"})
	case errors.Is(err, core.ErrInvalidToken), errors.Is(err, core.ErrSessionInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
	default:
		logging.L(c.Request.Context(), nil).Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
