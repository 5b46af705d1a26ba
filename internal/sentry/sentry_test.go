package sentry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tallybook/tally/internal/config"
	"github.com/tallybook/tally/internal/logger"
	"github.com/tallybook/tally/internal/offline/syncer"
)

var _ syncer.Reporter = (*Service)(nil)

func TestDisabledServiceIsNoop(t *testing.T) {
	cfg := config.GetDefaultConfig("acme", t.TempDir())
	svc := NewSentryService(cfg, logger.NewNop())

	assert.False(t, svc.Enabled())
	svc.Report(errors.New("boom"), map[string]string{"component": "syncer"})
	svc.CaptureException(errors.New("boom"))
	svc.AddBreadcrumb("sync", "pass started", nil)
	assert.True(t, svc.Flush(time.Millisecond))

	var nilSvc *Service
	assert.False(t, nilSvc.Enabled())
	nilSvc.Report(errors.New("boom"), nil)
}
