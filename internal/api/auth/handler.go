package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes Service over HTTP. Every response carries success and,
// on failure, a message.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type registerRequest struct {
	Name     string `json:"name"`
	Lastname string `json:"lastname"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type verifyRequest struct {
	UserID string `json:"userId"`
	OTP    string `json:"otp"`
}

type resendRequest struct {
	UserID string `json:"userId"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.Register(c.Request.Context(), RegisterInput(req))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"message": "OTP sent to your email.",
		"userId":  res.UserID,
	})
}

// VerifyOTP handles POST /api/auth/verify-otp.
func (h *Handler) VerifyOTP(c *gin.Context) {
	var req verifyRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.svc.VerifyOTP(c.Request.Context(), req.UserID, req.OTP); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Account verified successfully!"})
}

// ResendOTP handles POST /api/auth/resend-otp.
func (h *Handler) ResendOTP(c *gin.Context) {
	var req resendRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.svc.ResendOTP(c.Request.Context(), req.UserID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "OTP sent to your email."})
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.svc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Login successful",
		"token":   res.Token,
		"user":    res.User,
	})
}

// Refresh handles POST /api/auth/refresh.
func (h *Handler) Refresh(c *gin.Context) {
	res, err := h.svc.Refresh(c.Request.Context(), c.GetHeader("Authorization"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "token": res.Token})
}

// Me handles GET /api/auth/me. It expects the auth middleware to have set userID.
func (h *Handler) Me(c *gin.Context) {
	user, err := h.svc.Me(c.Request.Context(), c.GetString("userID"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": user})
}

// bind decodes an optional JSON body. Missing fields are left to the
// service's validation so the message names them.
func (h *Handler) bind(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		// A chunked request has no length; an empty one still decodes to EOF.
		if errors.Is(err, io.EOF) {
			return true
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Invalid request body"})
		return false
	}
	return true
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := messageFor(err, status)
	if status >= http.StatusInternalServerError {
		h.logger.Error("auth request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()))
	}
	c.JSON(status, gin.H{"success": false, "message": msg})
}

var statusTable = []struct {
	kind   error
	status int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrDuplicateEmail, http.StatusBadRequest},
	{ErrInvalidCode, http.StatusBadRequest},
	{ErrExpired, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrInvalidCredentials, http.StatusUnauthorized},
	{ErrNotVerified, http.StatusUnauthorized},
	{ErrUnauthenticated, http.StatusUnauthorized},
	{ErrRegistrationInProgress, http.StatusConflict},
	{ErrTooManyRequests, http.StatusTooManyRequests},
	{ErrNotificationDelivery, http.StatusInternalServerError},
}

func statusFor(err error) int {
	for _, row := range statusTable {
		if errors.Is(err, row.kind) {
			return row.status
		}
	}
	return http.StatusInternalServerError
}

func messageFor(err error, status int) string {
	if errors.Is(err, ErrNotificationDelivery) {
		return "Could not send OTP. Please try again later."
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if status == http.StatusInternalServerError {
		return err.Error()
	}
	return http.StatusText(status)
}
