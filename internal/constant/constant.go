package constant

import (
	"path/filepath"

	"github.com/tingly-dev/claude-box/pkg/fs"
)

const ConfigDirName = ".claude-box"

const (
	LogDirName = "log"
	DBDirName  = "db"

	// LogFileName is the server log written under the log directory
	LogFileName = "claude-box.log"

	// ErrorLogFileName collects request/response pairs matching the
	// error-log filter expression
	ErrorLogFileName = "bad_requests.log"

	// TokenFileName holds the persisted OAuth token record
	TokenFileName = "token.json"

	// PKCEFileName is the scratch file bridging authorize and exchange
	// across processes
	PKCEFileName = "pkce.json"

	// ProvidersFileName declares custom OpenAI-compatible upstreams
	ProvidersFileName = "providers.yaml"
)

const DBFileName = "claude-box.db"

const (
	// DefaultServerPort is the local listen port
	DefaultServerPort = 8089

	// DefaultMaxTokens is applied when a chat completions request carries
	// no max_tokens
	DefaultMaxTokens = 8192

	// MinResponseAllowance is the minimum gap kept between max_tokens and
	// a thinking budget
	MinResponseAllowance = 1024
)

// Thinking budgets by reasoning effort level, in tokens
const (
	ThinkingBudgetLow    = 8000
	ThinkingBudgetMedium = 16000
	ThinkingBudgetHigh   = 32000
)

// GetConfDir returns the config directory path (default: ~/.claude-box)
func GetConfDir() string {
	homeDir, err := fs.GetUserPath()
	if err != nil {
		// Fallback to current directory if home directory is not accessible
		return ConfigDirName
	}
	return filepath.Join(homeDir, ConfigDirName)
}

// GetLogDir returns the log directory path
func GetLogDir(baseDir string) string {
	return filepath.Join(baseDir, LogDirName)
}

// GetDBDir returns the database directory path
func GetDBDir(baseDir string) string {
	return filepath.Join(baseDir, DBDirName)
}

// GetDBFile returns the unified SQLite database file path
func GetDBFile(baseDir string) string {
	return filepath.Join(baseDir, DBDirName, DBFileName)
}
