package testlog

import (
	"testing"

	"github.com/danmuck/peermesh/internal/logging"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	l := logging.New("test")
	l.Info().Str("test", t.Name()).Msg("start")
}
