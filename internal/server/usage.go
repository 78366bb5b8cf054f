package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/claude-box/internal/db"
	"github.com/tingly-dev/claude-box/internal/obs/otel"
	"github.com/tingly-dev/claude-box/internal/protocol/sse"
	"github.com/tingly-dev/claude-box/internal/registry"
	"github.com/tingly-dev/claude-box/internal/server/middleware"
)

// usageFacts accumulates what one request consumed, for the metrics
// pipeline and the persistent ledger.
type usageFacts struct {
	entry        registry.Entry
	requestModel string
	inputTokens  int
	outputTokens int
	cacheRead    int
	cacheWrite   int
	streamed     bool
	status       string
	errorCode    string
	start        time.Time
}

func (s *Server) recordUsage(c *gin.Context, facts usageFacts) {
	route := string(facts.entry.Route())
	provider := "anthropic"
	if facts.entry.Provider != nil {
		provider = facts.entry.Provider.Name
	}
	latency := time.Since(facts.start).Milliseconds()

	if s.tracker != nil {
		s.tracker.RecordUsage(c.Request.Context(), otel.UsageOptions{
			Route:        route,
			Provider:     provider,
			Model:        facts.entry.UpstreamID,
			RequestModel: facts.requestModel,
			InputTokens:  facts.inputTokens,
			OutputTokens: facts.outputTokens,
			Streamed:     facts.streamed,
			Status:       facts.status,
			ErrorCode:    facts.errorCode,
			LatencyMs:    latency,
		})
	}

	if s.usageStore != nil {
		err := s.usageStore.Record(&db.UsageRecord{
			RequestID:        middleware.GetRequestID(c),
			Route:            route,
			Provider:         provider,
			Model:            facts.entry.UpstreamID,
			RequestModel:     facts.requestModel,
			InputTokens:      facts.inputTokens,
			OutputTokens:     facts.outputTokens,
			CacheReadTokens:  facts.cacheRead,
			CacheWriteTokens: facts.cacheWrite,
			Status:           facts.status,
			ErrorCode:        facts.errorCode,
			DurationMS:       latency,
			Streamed:         facts.streamed,
		})
		if err != nil {
			logrus.Warnf("failed to persist usage record: %v", err)
		}
	}
}

// sseUsageParser harvests token counters from a passthrough event stream
// without altering the bytes relayed to the client.
type sseUsageParser struct {
	parser sse.Parser
}

func (p *sseUsageParser) feed(chunk []byte, facts *usageFacts) {
	p.parser.Feed(chunk, func(ev sse.Event) {
		switch ev.Name {
		case "message_start":
			usage := gjson.Get(ev.Data, "message.usage")
			facts.inputTokens = int(usage.Get("input_tokens").Int())
			facts.cacheRead = int(usage.Get("cache_read_input_tokens").Int())
			facts.cacheWrite = int(usage.Get("cache_creation_input_tokens").Int())
		case "message_delta":
			if v := gjson.Get(ev.Data, "usage.output_tokens"); v.Exists() {
				facts.outputTokens = int(v.Int())
			}
		}
	})
}
