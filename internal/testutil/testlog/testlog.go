package testlog

import (
	"testing"

	"github.com/danmuck/sessync/internal/logging"
	"github.com/danmuck/sessync/internal/logs"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	logs.Infof("test=%s", t.Name())
}
