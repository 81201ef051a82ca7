package http_api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/core-coin/tributum/internal/models"
)

// TipRequest represents the JSON body for tipping a chapter
type TipRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	ChapterID string `json:"chapter_id" binding:"required"`
}

// TipResponse represents the success response for a tip
type TipResponse struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"tx_hash"`
	TipCount    int64  `json:"tip_count"`
	Amount      string `json:"amount"`
	AmountUnits string `json:"amount_units"`
}

// ApprovalRequest represents the JSON body of a signed spend permission
type ApprovalRequest struct {
	UserID    string                    `json:"user_id" binding:"required"`
	Payload   *models.PermissionPayload `json:"payload" binding:"required"`
	Signature string                    `json:"signature" binding:"required"`
}

// StandingApprovalRequest represents the JSON body for registering an ERC-20 approval
type StandingApprovalRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	OwnerWallet string `json:"owner_wallet" binding:"required"`
	ApprovalTx  string `json:"approval_tx" binding:"required"`
}

// ApprovalResponse represents the success response for both approval flows
type ApprovalResponse struct {
	Success     bool           `json:"success"`
	TxHash      string         `json:"tx_hash"`
	TrialTxHash string         `json:"trial_tx_hash,omitempty"`
	Variant     models.Variant `json:"variant"`
}

// ErrorBody is the typed rejection returned for every failed request
type ErrorBody struct {
	Kind      models.ErrorKind `json:"kind"`
	Code      models.ErrorCode `json:"code"`
	Message   string           `json:"message"`
	TxHash    string           `json:"tx_hash,omitempty"`
	Retryable bool             `json:"retryable,omitempty"`
}

// ErrorResponse wraps ErrorBody
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// tipChapter settles and records a tip.
func (s *HTTPServer) tipChapter(c *gin.Context) {
	var req TipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.invalidRequest(c, err)
		return
	}

	result, err := s.tributum.TipChapter(c.Request.Context(), req.UserID, req.ChapterID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, TipResponse{
		Success:     true,
		TxHash:      result.TxHash,
		TipCount:    result.NewTipCount,
		Amount:      result.Amount.String(),
		AmountUnits: result.AmountUnits,
	})
}

// approve verifies and registers a signed spend permission.
func (s *HTTPServer) approve(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.invalidRequest(c, err)
		return
	}

	result, err := s.tributum.ApproveAndTrialSpend(c.Request.Context(), req.UserID, req.Payload, req.Signature)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ApprovalResponse{
		Success:     true,
		TxHash:      result.ApprovalTxHash,
		TrialTxHash: result.TrialTxHash,
		Variant:     result.Variant,
	})
}

// registerStandingApproval records a confirmed ERC-20 approval.
func (s *HTTPServer) registerStandingApproval(c *gin.Context) {
	var req StandingApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.invalidRequest(c, err)
		return
	}

	result, err := s.tributum.RegisterStandingApproval(c.Request.Context(), req.UserID, req.OwnerWallet, req.ApprovalTx)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ApprovalResponse{
		Success: true,
		TxHash:  result.ApprovalTxHash,
		Variant: result.Variant,
	})
}

// permissionStatus returns the classification of a user's permission.
func (s *HTTPServer) permissionStatus(c *gin.Context) {
	view, err := s.tributum.PermissionStatus(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// settlementStatus re-queries a transaction for callers holding an unknown outcome.
func (s *HTTPServer) settlementStatus(c *gin.Context) {
	status, err := s.tributum.SettlementStatus(c.Request.Context(), c.Param("tx_hash"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// chapterLedger returns a chapter's tip counter and its tips.
func (s *HTTPServer) chapterLedger(c *gin.Context) {
	ledger, err := s.tributum.ChapterLedger(c.Request.Context(), c.Param("chapter_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ledger)
}

func (s *HTTPServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *HTTPServer) invalidRequest(c *gin.Context, err error) {
	s.logger.Debug("Invalid request body", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorBody{
			Kind:    models.KindPermission,
			Code:    models.CodeMalformedData,
			Message: "Invalid request body: " + err.Error(),
		},
	})
}

// respondError writes the typed rejection for err.
func (s *HTTPServer) respondError(c *gin.Context, err error) {
	e, ok := models.AsError(err)
	if !ok {
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorBody{
				Kind:    models.KindStorage,
				Code:    models.CodeStorageFailure,
				Message: "internal error",
			},
		})
		return
	}

	status := statusFor(e)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.FullPath(), "code", e.Code, "error", err)
	}
	c.JSON(status, ErrorResponse{
		Error: ErrorBody{
			Kind:      e.Kind(),
			Code:      e.Code,
			Message:   e.Message,
			TxHash:    e.TxHash,
			Retryable: e.Retryable(),
		},
	})
}

// statusFor maps an error code to the HTTP status of its rejection.
func statusFor(e *models.Error) int {
	switch e.Code {
	case models.CodeMalformedData:
		return http.StatusUnprocessableEntity
	case models.CodeSettlementRejected:
		return http.StatusPaymentRequired
	case models.CodeSettlementUnreachable:
		return http.StatusGatewayTimeout
	case models.CodeApprovalPartial:
		return http.StatusMultiStatus
	case models.CodeNotFound:
		return http.StatusNotFound
	}
	switch e.Kind() {
	case models.KindPermission:
		return http.StatusForbidden
	case models.KindIdempotency:
		return http.StatusConflict
	case models.KindVerification:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
