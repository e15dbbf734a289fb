package main

import (
	"bytes"
	"errors"
	"flag"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockApp struct {
	mock.Mock
	opts AppOptions
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }

func (m *mockApp) RunCluster() error { return m.Called().Error(0) }
func (m *mockApp) RunHistory() error { return m.Called().Error(0) }
func (m *mockApp) RunService() error { return m.Called().Error(0) }

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		expected   string
		verifyOpts func(*testing.T, AppOptions)
	}{
		{
			name:     "Cluster",
			args:     []string{"--scan", "scan.json", "--data-dir", "/tmp/data", "--radius", "8"},
			expected: "RunCluster",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "scan.json", opts.ScanFile)
				assert.Equal(t, "/tmp/data", opts.DataDir)
				assert.Equal(t, 8.0, opts.Radius)
				assert.True(t, opts.IsSet("radius"))
				assert.False(t, opts.IsSet("sort"))
			},
		},
		{
			name:     "ClusterSorted",
			args:     []string{"--scan", "s.json", "--sort", "proximity", "--reference", "1,2,3", "--descending", "--output", "map.svg"},
			expected: "RunCluster",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.Equal(t, "proximity", opts.SortMode)
				assert.Equal(t, "1,2,3", opts.Reference)
				assert.True(t, opts.Descending)
				assert.True(t, opts.IsSet("descending"))
				assert.Equal(t, "map.svg", opts.OutputFile)
			},
		},
		{
			name:     "History",
			args:     []string{"--history", "--history-limit", "5"},
			expected: "RunHistory",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.True(t, opts.History)
				assert.Equal(t, 5, opts.HistoryLimit)
			},
		},
		{
			name:     "MqttMode",
			args:     []string{"--mqtt", "--http-port", "9090", "--budget", "30s"},
			expected: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.True(t, opts.MqttMode)
				assert.Equal(t, 9090, opts.HttpPort)
				assert.Equal(t, 30*time.Second, opts.Budget)
			},
		},
		{
			name:     "HttpMode",
			args:     []string{"--http"},
			expected: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				assert.True(t, opts.HttpMode)
				assert.Equal(t, 8080, opts.HttpPort)
				assert.Equal(t, "config.yaml", opts.ConfigFile)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := new(mockApp)
			app.On(tt.expected).Return(nil).Once()

			var out bytes.Buffer
			require.NoError(t, run(tt.args, &out, app))

			app.AssertExpectations(t)
			tt.verifyOpts(t, app.opts)
		})
	}
}

func TestRun_PropagatesError(t *testing.T) {
	app := new(mockApp)
	app.On("RunCluster").Return(errors.New("boom"))

	var out bytes.Buffer
	err := run([]string{"--scan", "missing.json"}, &out, app)
	assert.EqualError(t, err, "boom")
}

func TestRun_Help(t *testing.T) {
	app := new(mockApp)
	var out bytes.Buffer
	err := run([]string{"--help"}, &out, app)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, out.String(), "Usage of spawnmesh")
	app.AssertNotCalled(t, "RunCluster")
}

func TestRun_Default(t *testing.T) {
	app := new(mockApp)
	var out bytes.Buffer
	require.NoError(t, run([]string{}, &out, app))

	assert.Contains(t, out.String(), "spawnmesh version: "+Version)
	assert.Contains(t, out.String(), "Nothing to do.")
	app.AssertNotCalled(t, "RunService")
}

func TestRun_BadFlag(t *testing.T) {
	app := new(mockApp)
	var out bytes.Buffer
	assert.Error(t, run([]string{"--radius", "wide"}, &out, app))
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	assert.NotEmpty(t, Version)
}
