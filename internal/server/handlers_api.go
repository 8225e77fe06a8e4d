package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lingocast/lingocast/internal/identifier"
)

// handleSessionLanguages reports which target languages currently have at
// least one subscriber. The translation pipeline consumes the same data
// through the service API; this endpoint exists for diagnostics.
func (s *Server) handleSessionLanguages(c echo.Context) error {
	sessionID := c.Param("sessionId")
	if !identifier.Valid(sessionID) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid session id"})
	}

	languages, err := s.service.ActiveTargetLanguages(c.Request().Context(), sessionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to query languages"})
	}
	if languages == nil {
		languages = []string{}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"languages": languages,
	})
}
