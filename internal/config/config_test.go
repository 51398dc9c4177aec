package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validJSON() string {
	return `{
		"interfaces": {"eth0": {"promisc": true, "ring_buffer_block_size": 1048576, "ring_buffer_num_blocks": 4}},
		"flow_table": {"idle_timeout": "30s", "active_timeout": "30m", "max_flows": 1000, "udp_timeout": "30s", "max_payload": 2048},
		"fragments": {"idle_timeout": "30s", "max_fragments": 1000, "max_payload": 65535},
		"logging": {"level": "debug", "encoding": "json"},
		"api": {"addr": "localhost:6060", "request_timeout": 10}
	}`
}

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse(strings.NewReader(validJSON()))
	require.NoError(t, err)
	require.Contains(t, cfg.Interfaces, "eth0")
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestParseRejectsEmptyInterfaces(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"logging":{},"api":{"addr":"x"},"flow_table":{"idle_timeout":"1s","active_timeout":"1m","max_flows":1},"fragments":{"idle_timeout":"1s","max_fragments":1,"max_payload":1}}`))
	require.Error(t, err)
}

func TestValidateRejectsDemoKey(t *testing.T) {
	cfg := New()
	cfg.Interfaces["eth0"] = CaptureConfig{RingBufferBlockSize: 1, RingBufferNumBlocks: 1}
	cfg.API.Keys = []string{"da53ae3fb482db63d9606a9324a694bf51f7ad47623c04ab7b97a811f2a78e05"}
	err := cfg.Validate()
	require.ErrorContains(t, err, "compromised")
}

func TestValidateRejectsShortKey(t *testing.T) {
	cfg := New()
	cfg.Interfaces["eth0"] = CaptureConfig{RingBufferBlockSize: 1, RingBufferNumBlocks: 1}
	cfg.API.Keys = []string{"short"}
	err := cfg.Validate()
	require.ErrorContains(t, err, "insecure")
}

func TestNewDefaults(t *testing.T) {
	cfg := New()
	require.Equal(t, "logfmt", cfg.Logging.Encoding)
	require.Greater(t, cfg.FlowTable.MaxFlows, 0)
	require.Greater(t, cfg.Fragments.MaxFragments, 0)
}
