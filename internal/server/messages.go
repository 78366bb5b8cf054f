package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/claude-box/internal/auth"
	"github.com/tingly-dev/claude-box/internal/client"
	"github.com/tingly-dev/claude-box/internal/normalize"
	"github.com/tingly-dev/claude-box/internal/protocol"
	"github.com/tingly-dev/claude-box/internal/protocol/sse"
	"github.com/tingly-dev/claude-box/internal/protocol/token"
	"github.com/tingly-dev/claude-box/internal/registry"
)

// Messages proxies the native Anthropic Messages endpoint. The body is
// normalized and dispatched with OAuth credentials; upstream responses,
// streaming or not, pass through verbatim including error statuses.
func (s *Server) Messages(c *gin.Context) {
	start := time.Now()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	requestModel := gjson.GetBytes(body, "model").String()
	if requestModel == "" {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error", "missing required field: model")
		return
	}

	entry, err := s.registry.Resolve(requestModel)
	if err != nil {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error", "unknown model: "+requestModel)
		return
	}
	if entry.Route() == registry.RouteCustom {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error",
			"model "+requestModel+" is served by a custom provider; use /v1/chat/completions")
		return
	}

	prepared, err := s.prepareAnthropicBody(body, entry)
	if err != nil {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	accessToken, err := s.authMgr.AccessToken(c.Request.Context())
	if err != nil {
		anthropicError(c, http.StatusUnauthorized, "authentication_error", authMessage(err))
		return
	}

	if gjson.GetBytes(body, "stream").Bool() {
		s.streamMessages(c, prepared, accessToken, entry, requestModel, start)
		return
	}

	respBody, err := s.anthropic.Messages(c.Request.Context(), prepared.Body, accessToken, prepared.BetaHeader)
	if err != nil {
		s.anthropicFailure(c, err, entry, requestModel, start)
		return
	}

	s.recordUsage(c, usageFacts{
		entry:        entry,
		requestModel: requestModel,
		inputTokens:  int(gjson.GetBytes(respBody, "usage.input_tokens").Int()),
		outputTokens: int(gjson.GetBytes(respBody, "usage.output_tokens").Int()),
		cacheRead:    int(gjson.GetBytes(respBody, "usage.cache_read_input_tokens").Int()),
		cacheWrite:   int(gjson.GetBytes(respBody, "usage.cache_creation_input_tokens").Int()),
		status:       "success",
		start:        start,
	})
	c.Data(http.StatusOK, "application/json", respBody)
}

// streamMessages relays the upstream SSE byte stream verbatim, teeing it
// through an event parser only to harvest usage counters.
func (s *Server) streamMessages(c *gin.Context, prepared *normalize.Result, accessToken string, entry registry.Entry, requestModel string, start time.Time) {
	rc, err := s.anthropic.StreamMessages(c.Request.Context(), prepared.Body, accessToken, prepared.BetaHeader)
	if err != nil {
		s.anthropicFailure(c, err, entry, requestModel, start)
		return
	}
	defer rc.Close()

	setStreamHeaders(c)

	facts := usageFacts{entry: entry, requestModel: requestModel, streamed: true, status: "success", start: start}
	var parser sseUsageParser

	buf := make([]byte, 4096)
	flusher, _ := c.Writer.(http.Flusher)
	for {
		n, readErr := rc.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				facts.status = "error"
				facts.errorCode = "client_disconnect"
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
			parser.feed(buf[:n], &facts)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			logrus.Warnf("upstream stream interrupted: %v", readErr)
			facts.status = "error"
			facts.errorCode = "upstream_stream_error"
			s.failStream(c, readErr)
			break
		}
	}

	s.recordUsage(c, facts)
}

// failStream terminates an interrupted relay with a synthetic error event
// so the client is told why the stream ended instead of seeing it go quiet.
func (s *Server) failStream(c *gin.Context, cause error) {
	errType := "api_error"
	var netErr net.Error
	if errors.As(cause, &netErr) && netErr.Timeout() {
		errType = "timeout_error"
	}
	payload, err := json.Marshal(protocol.NewErrorResponse(errType, fmt.Sprintf("upstream stream interrupted: %v", cause)))
	if err != nil {
		return
	}
	_ = sse.WriteEvent(c.Writer, "error", payload)
}

// prepareAnthropicBody rewrites the model id and applies the reasoning
// and context options implied by the resolved entry, then normalizes.
func (s *Server) prepareAnthropicBody(body []byte, entry registry.Entry) (*normalize.Result, error) {
	body, err := normalize.SetModel(body, entry.UpstreamID)
	if err != nil {
		return nil, err
	}
	if entry.Level.BudgetTokens() > 0 {
		if body, err = normalize.EnsureThinking(body, entry.Level.BudgetTokens()); err != nil {
			return nil, err
		}
	}
	if entry.ExtendedContext {
		if body, err = normalize.MarkExtendedContext(body); err != nil {
			return nil, err
		}
	}
	return s.normalizer.Normalize(body)
}

// anthropicFailure forwards an upstream error verbatim on the native
// endpoint, or wraps transport-level failures as api_error.
func (s *Server) anthropicFailure(c *gin.Context, err error, entry registry.Entry, requestModel string, start time.Time) {
	status := http.StatusBadGateway
	var httpErr *client.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.StatusCode
		c.Data(status, "application/json", httpErr.Body)
	} else {
		anthropicError(c, status, "api_error", "upstream request failed: "+err.Error())
	}
	s.recordUsage(c, usageFacts{
		entry:        entry,
		requestModel: requestModel,
		status:       "error",
		errorCode:    http.StatusText(status),
		start:        start,
	})
}

// CountTokens estimates prompt tokens without calling upstream.
func (s *Server) CountTokens(c *gin.Context) {
	var req protocol.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}
	if _, err := s.registry.Resolve(req.Model); err != nil {
		anthropicError(c, http.StatusBadRequest, "invalid_request_error", "unknown model: "+req.Model)
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": token.EstimateRequest(&req)})
}

func anthropicError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, protocol.NewErrorResponse(errType, message))
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated):
		return "not authenticated: run `claude-box login` first"
	case errors.Is(err, auth.ErrReauthRequired):
		return "credentials expired and cannot be refreshed: run `claude-box login` again"
	default:
		return "credential refresh failed: " + err.Error()
	}
}

func setStreamHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}
