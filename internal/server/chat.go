package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/claude-box/internal/client"
	"github.com/tingly-dev/claude-box/internal/normalize"
	"github.com/tingly-dev/claude-box/internal/protocol"
	"github.com/tingly-dev/claude-box/internal/protocol/nonstream"
	"github.com/tingly-dev/claude-box/internal/protocol/sse"
	"github.com/tingly-dev/claude-box/internal/protocol/stream"
	"github.com/tingly-dev/claude-box/internal/registry"
)

// ChatCompletions serves the OpenAI-compatible surface. Custom-provider
// models pass through with only the model id rewritten; everything else
// is translated to the Messages protocol, normalized, dispatched with
// OAuth credentials, and translated back.
func (s *Server) ChatCompletions(c *gin.Context) {
	start := time.Now()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	requestModel := gjson.GetBytes(body, "model").String()
	if requestModel == "" {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "missing required field: model")
		return
	}

	entry, err := s.registry.Resolve(requestModel)
	if err != nil {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "unknown model: "+requestModel)
		return
	}

	if entry.Route() == registry.RouteCustom {
		s.chatViaProvider(c, body, entry, requestModel, start)
		return
	}
	s.chatViaAnthropic(c, body, entry, requestModel, start)
}

// chatViaProvider relays the request to an OpenAI-compatible upstream,
// rewriting only the model id. No spoofing, no normalization.
func (s *Server) chatViaProvider(c *gin.Context, body []byte, entry registry.Entry, requestModel string, start time.Time) {
	body, err := sjson.SetBytes(body, "model", entry.UpstreamID)
	if err != nil {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "failed to rewrite model: "+err.Error())
		return
	}

	pc := client.NewProviderClient(s.pool, entry.Provider)
	facts := usageFacts{entry: entry, requestModel: requestModel, status: "success", start: start}

	if gjson.GetBytes(body, "stream").Bool() {
		rc, err := pc.StreamChatCompletions(c.Request.Context(), body)
		if err != nil {
			s.chatFailure(c, err, &facts)
			return
		}
		defer rc.Close()

		setStreamHeaders(c)
		facts.streamed = true
		s.relayProviderStream(c, rc, &facts)
		s.recordUsage(c, facts)
		return
	}

	respBody, err := pc.ChatCompletions(c.Request.Context(), body)
	if err != nil {
		s.chatFailure(c, err, &facts)
		return
	}

	facts.inputTokens = int(gjson.GetBytes(respBody, "usage.prompt_tokens").Int())
	facts.outputTokens = int(gjson.GetBytes(respBody, "usage.completion_tokens").Int())
	s.recordUsage(c, facts)
	c.Data(http.StatusOK, "application/json", respBody)
}

// relayProviderStream copies an already-OpenAI-shaped SSE stream to the
// client, picking usage out of chunks that carry it.
func (s *Server) relayProviderStream(c *gin.Context, rc io.Reader, facts *usageFacts) {
	var parser sse.Parser
	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := rc.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				facts.status = "error"
				facts.errorCode = "client_disconnect"
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			parser.Feed(buf[:n], func(ev sse.Event) {
				if usage := gjson.Get(ev.Data, "usage"); usage.Exists() {
					facts.inputTokens = int(usage.Get("prompt_tokens").Int())
					facts.outputTokens = int(usage.Get("completion_tokens").Int())
				}
			})
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			logrus.Warnf("provider stream interrupted: %v", readErr)
			facts.status = "error"
			facts.errorCode = "upstream_stream_error"
			return
		}
	}
}

// chatViaAnthropic translates the request into the Messages protocol and
// back.
func (s *Server) chatViaAnthropic(c *gin.Context, body []byte, entry registry.Entry, requestModel string, start time.Time) {
	var req protocol.ChatCompletionsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}

	msgReq, err := nonstream.ToMessagesRequest(&req, entry.UpstreamID, entry.Level)
	if err != nil {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	msgBody, err := json.Marshal(msgReq)
	if err != nil {
		openaiError(c, http.StatusInternalServerError, "api_error", "failed to encode upstream request")
		return
	}
	if entry.ExtendedContext {
		if msgBody, err = normalize.MarkExtendedContext(msgBody); err != nil {
			openaiError(c, http.StatusInternalServerError, "api_error", err.Error())
			return
		}
	}

	prepared, err := s.normalizer.Normalize(msgBody)
	if err != nil {
		openaiError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	accessToken, err := s.authMgr.AccessToken(c.Request.Context())
	if err != nil {
		openaiError(c, http.StatusUnauthorized, "authentication_error", authMessage(err))
		return
	}

	facts := usageFacts{entry: entry, requestModel: requestModel, status: "success", start: start}

	if req.Stream {
		rc, err := s.anthropic.StreamMessages(c.Request.Context(), prepared.Body, accessToken, prepared.BetaHeader)
		if err != nil {
			s.chatFailure(c, err, &facts)
			return
		}
		defer rc.Close()

		setStreamHeaders(c)
		facts.streamed = true

		conv := stream.NewConverter(c.Writer, requestModel, s.cache)
		result, runErr := conv.Run(sse.NewScanner(rc))
		if runErr != nil {
			logrus.Warnf("stream conversion ended with error: %v", runErr)
			facts.status = "error"
			facts.errorCode = "upstream_stream_error"
		}
		if result != nil {
			facts.inputTokens = result.InputTokens
			facts.outputTokens = result.OutputTokens
		}
		s.recordUsage(c, facts)
		return
	}

	respBody, err := s.anthropic.Messages(c.Request.Context(), prepared.Body, accessToken, prepared.BetaHeader)
	if err != nil {
		s.chatFailure(c, err, &facts)
		return
	}

	var msgResp protocol.MessagesResponse
	if err := json.Unmarshal(respBody, &msgResp); err != nil {
		openaiError(c, http.StatusBadGateway, "api_error", "invalid upstream response: "+err.Error())
		return
	}
	s.cacheThinkingBlocks(&msgResp)

	facts.inputTokens = msgResp.Usage.InputTokens
	facts.outputTokens = msgResp.Usage.OutputTokens
	facts.cacheRead = msgResp.Usage.CacheReadInputTokens
	facts.cacheWrite = msgResp.Usage.CacheCreationInputTokens
	s.recordUsage(c, facts)

	c.JSON(http.StatusOK, nonstream.FromMessagesResponse(&msgResp, requestModel))
}

// cacheThinkingBlocks stashes signed thinking blocks from a non-streaming
// response so a later tool_result turn can restore them.
func (s *Server) cacheThinkingBlocks(resp *protocol.MessagesResponse) {
	var lastThinking *protocol.ContentBlock
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case protocol.BlockTypeThinking:
			if block.Signature != "" {
				lastThinking = block
			}
		case protocol.BlockTypeToolUse:
			if lastThinking != nil {
				s.cache.Put(block.ID, *lastThinking)
			}
		}
	}
}

// chatFailure rewrites upstream errors into the OpenAI error shape,
// preserving the upstream status code.
func (s *Server) chatFailure(c *gin.Context, err error, facts *usageFacts) {
	status := http.StatusBadGateway
	var httpErr *client.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.StatusCode
		c.JSON(status, nonstream.RewriteErrorBody(status, httpErr.Body))
	} else {
		openaiError(c, status, "api_error", "upstream request failed: "+err.Error())
	}
	facts.status = "error"
	facts.errorCode = http.StatusText(status)
	s.recordUsage(c, *facts)
}

func openaiError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, protocol.NewOpenAIErrorResponse(errType, message))
}
