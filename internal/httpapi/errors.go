package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	apperrors "geoattend/internal/errors"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case apperrors.Is(err, apperrors.ErrValidation), apperrors.Is(err, apperrors.ErrDecode):
		return http.StatusBadRequest
	case apperrors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrForbidden):
		return http.StatusForbidden
	case apperrors.Is(err, apperrors.ErrSessionExpired), apperrors.Is(err, apperrors.ErrAlreadyEnded):
		return http.StatusGone
	case apperrors.Is(err, apperrors.ErrDuplicateAttendance):
		return http.StatusConflict
	case apperrors.Is(err, apperrors.ErrStorageTimeout):
		return http.StatusGatewayTimeout
	case apperrors.Is(err, apperrors.ErrStorageUnavailable), apperrors.Is(err, apperrors.ErrCodeTaken):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// reason is the metrics label for a rejected submission.
func reason(err error) string {
	switch {
	case apperrors.Is(err, apperrors.ErrDuplicateAttendance):
		return "duplicate"
	case apperrors.Is(err, apperrors.ErrSessionExpired):
		return "expired"
	case apperrors.Is(err, apperrors.ErrNotFound):
		return "not_found"
	case apperrors.Is(err, apperrors.ErrValidation), apperrors.Is(err, apperrors.ErrDecode):
		return "invalid"
	default:
		return "error"
	}
}

// bindError turns a gin binding failure into a validation error.
func bindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperrors.Wrapf(apperrors.ErrValidation, "field %s failed %s", fe.Namespace(), fe.Tag())
	}
	return apperrors.Wrapf(apperrors.ErrValidation, "%v", err)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	body := gin.H{"error": apperrors.Message(err)}
	if status == http.StatusBadRequest {
		body["detail"] = err.Error()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("route", c.FullPath()).Int("status", status).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}
