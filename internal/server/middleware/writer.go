package middleware

import (
	"bytes"

	"github.com/gin-gonic/gin"
)

// responseBodyWriter tees the response body into a buffer so middleware
// can inspect it after the handler ran.
type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w *responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
