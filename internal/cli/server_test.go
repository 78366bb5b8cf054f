package cli

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestApplyLogLevel(t *testing.T) {
	restore := logrus.GetLevel()
	defer logrus.SetLevel(restore)

	logrus.SetLevel(logrus.InfoLevel)
	applyLogLevel(false)
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())

	applyLogLevel(true)
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	// Trace set up front by --verbose must survive both modes.
	logrus.SetLevel(logrus.TraceLevel)
	applyLogLevel(false)
	assert.Equal(t, logrus.TraceLevel, logrus.GetLevel())
	applyLogLevel(true)
	assert.Equal(t, logrus.TraceLevel, logrus.GetLevel())
}
