package telemetry

import (
	"context"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	shutdown := Setup(context.Background(), Config{ServiceName: "queueless"}, logger)
	assert.NoError(t, shutdown(context.Background()))
	assert.Empty(t, hook.AllEntries())
}
