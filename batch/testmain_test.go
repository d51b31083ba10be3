package batch

import (
	"os"
	"testing"

	"github.com/zhubert/codex-bridge/logger"
)

func TestMain(m *testing.M) {
	// Redirect logging away from the user's log directory during tests
	logger.Reset()
	if err := logger.Init(os.DevNull); err != nil {
		os.Exit(1)
	}

	code := m.Run()

	logger.Close()
	os.Exit(code)
}
