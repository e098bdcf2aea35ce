package idlez

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigValid(t *testing.T) {
	data := []byte(`
transaction:
  idle_timeout: 750ms
  heartbeat_interval: 2s
  stall_beats: 4
  max_spans: 50
  trim_end: true
  tags:
    route: /checkout
zipkin:
  endpoint: http://localhost:9411/api/v2/spans
  service_name: web
  host_port: 127.0.0.1:8080
logging:
  level: debug
  format: json
`)

	config, err := ParseConfig(data)
	require.NoError(t, err)

	opts := config.TransactionOptions()
	assert.Equal(t, 750*time.Millisecond, opts.IdleTimeout)
	assert.Equal(t, 2*time.Second, opts.HeartbeatInterval)
	assert.Equal(t, 4, opts.StallBeats)
	assert.Equal(t, 50, opts.MaxSpans)
	assert.True(t, opts.TrimEnd)
	assert.Equal(t, map[Tag]string{"route": "/checkout"}, opts.Tags)

	assert.Equal(t, "web", config.Zipkin.ServiceName)
	assert.Equal(t, "127.0.0.1:8080", config.Zipkin.HostPort)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
}

func TestParseConfigDefaults(t *testing.T) {
	config, err := ParseConfig([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, DefaultTransactionOptions(), config.TransactionOptions())
	assert.Equal(t, "idlez", config.Zipkin.ServiceName)
	assert.Empty(t, config.Zipkin.Endpoint)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "text", config.Logging.Format)

	assert.Equal(t, DefaultConfig(), config)
}

func TestParseConfigExplicitZeroIdleTimeout(t *testing.T) {
	config, err := ParseConfig([]byte("transaction:\n  idle_timeout: 0s\n"))
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), config.TransactionOptions().IdleTimeout)
}

func TestParseConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "malformed yaml",
			yaml: "transaction: [",
			want: []string{"failed to parse config YAML"},
		},
		{
			name: "negative durations",
			yaml: "transaction:\n  idle_timeout: -1s\n  heartbeat_interval: -5s\n",
			want: []string{"idle timeout -1s is negative", "heartbeat interval -5s is negative"},
		},
		{
			name: "unknown level and format",
			yaml: "logging:\n  level: verbose\n  format: xml\n",
			want: []string{`logging.level "verbose"`, `logging.format "xml"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			for _, want := range tt.want {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestConfigValidateNegativeMaxSpans(t *testing.T) {
	config := DefaultConfig()
	config.Transaction.MaxSpans = -1

	err := config.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrInvalidOptions.Error())
	assert.Contains(t, err.Error(), "max spans -1 is negative")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idlez.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transaction:\n  idle_timeout: 3s\n"), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, config.TransactionOptions().IdleTimeout)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestTransactionOptionsIsACopy(t *testing.T) {
	config, err := ParseConfig([]byte("transaction:\n  tags:\n    env: prod\n"))
	require.NoError(t, err)

	opts := config.TransactionOptions()
	opts.Tags["env"] = "dev"

	assert.Equal(t, "prod", config.Transaction.Tags["env"])
}

func TestLoggingConfigNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"key":"value"`)

	buf.Reset()
	LoggingConfig{Level: "debug", Format: "text"}.NewLogger(&buf).Debug("details")
	assert.Contains(t, buf.String(), "msg=details")
}
