package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultErrorLogFilter captures failed API calls only.
const DefaultErrorLogFilter = "StatusCode >= 400 && Path matches '^/v1/'"

// FilterContext is the environment visible to the filter expression.
type FilterContext struct {
	StatusCode int    `expr:"StatusCode"`
	Method     string `expr:"Method"`
	Path       string `expr:"Path"`
	Query      string `expr:"Query"`
}

// ErrorLog dumps request/response pairs matching a configurable
// expression to a rotating JSONL file. It exists for debugging translation
// bugs against real client traffic.
type ErrorLog struct {
	mu      sync.RWMutex
	out     io.WriteCloser
	program *vm.Program
}

// NewErrorLog creates the middleware writing to logPath, rotated at
// maxSizeMB. The default filter captures API errors.
func NewErrorLog(logPath string, maxSizeMB int) *ErrorLog {
	el := &ErrorLog{}

	program, err := expr.Compile(DefaultErrorLogFilter, expr.Env(FilterContext{}))
	if err != nil {
		logrus.Errorf("failed to compile default error log filter: %v", err)
	} else {
		el.program = program
	}

	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			logrus.Errorf("failed to create error log directory: %v", err)
			return el
		}
		el.out = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    maxSizeMB,
			MaxBackups: 5,
			Compress:   true,
		}
	}

	return el
}

// SetFilterExpression swaps the filter. An empty expression restores the
// default.
func (el *ErrorLog) SetFilterExpression(expression string) error {
	if expression == "" {
		expression = DefaultErrorLogFilter
	}

	program, err := expr.Compile(expression, expr.Env(FilterContext{}))
	if err != nil {
		return fmt.Errorf("failed to compile filter expression: %w", err)
	}

	el.mu.Lock()
	el.program = program
	el.mu.Unlock()
	return nil
}

// Middleware returns the gin handler.
func (el *ErrorLog) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}

		var requestBody []byte
		if c.Request.Body != nil {
			requestBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		w := &responseBodyWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = w

		start := time.Now()
		c.Next()

		el.record(c, start, requestBody, w.body.Bytes())
	}
}

func (el *ErrorLog) record(c *gin.Context, start time.Time, requestBody, responseBody []byte) {
	el.mu.RLock()
	out, program := el.out, el.program
	el.mu.RUnlock()

	if out == nil || program == nil {
		return
	}

	env := FilterContext{
		StatusCode: c.Writer.Status(),
		Method:     c.Request.Method,
		Path:       c.Request.URL.Path,
		Query:      c.Request.URL.RawQuery,
	}
	matched, err := expr.Run(program, env)
	if err != nil {
		logrus.Errorf("failed to evaluate error log filter: %v", err)
		return
	}
	if keep, ok := matched.(bool); ok && !keep {
		return
	}

	entry := map[string]any{
		"timestamp":   start.Format(time.RFC3339Nano),
		"request_id":  GetRequestID(c),
		"method":      env.Method,
		"path":        env.Path,
		"query":       env.Query,
		"status_code": env.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
		"client_ip":   c.ClientIP(),
	}
	if len(requestBody) > 0 {
		entry["request_body"] = rawOrString(requestBody)
	}
	if len(responseBody) > 0 {
		entry["response_body"] = rawOrString(responseBody)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		logrus.Errorf("failed to marshal error log entry: %v", err)
		return
	}

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.out == nil {
		return
	}
	if _, err := el.out.Write(append(line, '\n')); err != nil {
		logrus.Errorf("failed to write error log entry: %v", err)
	}
}

func rawOrString(body []byte) any {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return string(body)
}

// Stop closes the underlying log file.
func (el *ErrorLog) Stop() {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.out != nil {
		_ = el.out.Close()
		el.out = nil
	}
}
