package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.trai.ch/kiln/internal/app"
	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports/mocks"
	"go.uber.org/mock/gomock"
)

func newProvider(application *app.App, log *mocks.MockLogger, closed *bool) ComponentProvider {
	return func(_ context.Context) (*app.Components, func(), error) {
		return &app.Components{
			App:    application,
			Logger: log,
		}, func() { *closed = true }, nil
	}
}

// TestRun_Success verifies that the run function returns 0 when the command succeeds.
func TestRun_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockLogger := mocks.NewMockLogger(ctrl)
	application := app.New(mocks.NewMockConfigLoader(ctrl), nil, nil, nil, nil, nil, mockLogger)

	var closed bool
	stdout := new(bytes.Buffer)
	exitCode := run(context.Background(), []string{"version"}, stdout, new(bytes.Buffer), newProvider(application, mockLogger, &closed))

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "kiln version")
	assert.True(t, closed)
}

// TestRun_InitializationError verifies that run returns 1 when component initialization fails.
func TestRun_InitializationError(t *testing.T) {
	provider := func(_ context.Context) (*app.Components, func(), error) {
		return nil, nil, errors.New("init failed")
	}

	stderr := new(bytes.Buffer)
	exitCode := run(context.Background(), []string{"version"}, new(bytes.Buffer), stderr, provider)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "Error: init failed")
}

// TestRun_ExecutionError verifies that run logs the failure and returns 1.
func TestRun_ExecutionError(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockLoader := mocks.NewMockConfigLoader(ctrl)
	mockLogger := mocks.NewMockLogger(ctrl)
	application := app.New(mockLoader, nil, nil, nil, nil, nil, mockLogger)

	loadErr := domain.ErrConfigReadFailed
	mockLoader.EXPECT().Load("missing.yaml").Return(nil, loadErr)
	mockLogger.EXPECT().Error(gomock.Any()).Do(func(err error) {
		assert.True(t, domain.IsKind(err, domain.ErrConfigReadFailed))
	})

	var closed bool
	exitCode := run(context.Background(), []string{"plan", "-f", "missing.yaml"}, new(bytes.Buffer), new(bytes.Buffer),
		newProvider(application, mockLogger, &closed))

	assert.Equal(t, 1, exitCode)
	assert.True(t, closed)
}
