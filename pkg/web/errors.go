package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/terrycain/media-cache-server/pkg/e"
)

// StatusClientClosedRequest is sent, for the logs only, when the player went away first.
const StatusClientClosedRequest = 499

// StatusFor maps an error onto the HTTP status the proxy answers with.
func StatusFor(err error) int {
	var httpErr *e.HTTPError
	switch {
	case errors.As(err, &httpErr):
		return httpErr.StatusCode
	case errors.Is(err, e.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, e.ErrUnreachable), errors.Is(err, e.ErrShortRead):
		return http.StatusBadGateway
	case errors.Is(err, e.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, e.ErrInconsistentResource), errors.Is(err, e.ErrInUse):
		return http.StatusConflict
	case errors.Is(err, e.ErrInvalidRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, e.ErrCancelled):
		return StatusClientClosedRequest
	case errors.Is(err, e.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func failed(c *gin.Context, err error, rawURL, msg string) {
	code := StatusFor(err)
	switch {
	case code == StatusClientClosedRequest:
		log.Debug().Err(err).Str("url", rawURL).Msg(msg)
	case code >= 500:
		log.Error().Err(err).Str("url", rawURL).Msg(msg)
	default:
		log.Warn().Err(err).Str("url", rawURL).Msg(msg)
	}
	c.JSON(code, gin.H{"error": err.Error(), "kind": e.Kind(err)})
}
