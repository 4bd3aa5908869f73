package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
keysets:
  path: keyset.xml
devices:
  - host: 192.168.100.21
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	require.Len(t, cfg.Devices, 1)
	d := cfg.Devices[0]
	assert.Equal(t, "itach", d.Type)
	assert.Equal(t, 4998, d.TCPPort)
	assert.Equal(t, 1, d.Module)
	assert.Equal(t, 3, d.MaxPorts)
	assert.Equal(t, 1, d.Count)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"no devices": `
keysets:
  path: keyset.xml
`,
		"missing host": `
devices:
  - tcp_port: 4998
`,
		"bad type": `
devices:
  - host: 10.0.0.1
    type: gc100serial
`,
		"too many ports": `
devices:
  - host: 10.0.0.1
    max_ports: 9
`,
		"duplicate slot": `
devices:
  - host: 10.0.0.1
slots:
  - {slot: 1, host: 10.0.0.1, module: 1, port: 1}
  - {slot: 1, host: 10.0.0.1, module: 1, port: 2}
`,
		"count without ipv4": `
devices:
  - host: itach.local
    count: 3
`,
	}
	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, yaml))
			require.Error(t, err)
			assert.Equal(t, KindBadConfig, ErrKindOf(err))
		})
	}
}

func TestExpandedDevicesReplication(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
devices:
  - host: 192.168.100.21
    count: 3
    max_ports: 2
`))
	require.NoError(t, err)

	devices, err := cfg.ExpandedDevices()
	require.NoError(t, err)
	require.Len(t, devices, 3)
	assert.Equal(t, "192.168.100.21", devices[0].Host)
	assert.Equal(t, "192.168.100.22", devices[1].Host)
	assert.Equal(t, "192.168.100.23", devices[2].Host)
	for _, d := range devices {
		assert.Equal(t, 1, d.Count)
		assert.Equal(t, 2, d.MaxPorts)
	}
}

func TestExpandedDevicesOctetOverflow(t *testing.T) {
	cfg := &Config{Devices: []DeviceConfig{{Host: "10.0.0.254", Count: 3}}}
	cfg.Devices[0].Count = 3
	_, err := cfg.ExpandedDevices()
	require.Error(t, err)
	assert.Equal(t, KindBadConfig, ErrKindOf(err))
}

func TestPrometheusHostAllowed(t *testing.T) {
	p := PrometheusConfig{AllowedHosts: []string{"127.0.0.1", "10.1.0.0/16"}}
	require.NoError(t, p.parseAllowedHosts())

	assert.True(t, p.HostAllowed("127.0.0.1:51234"))
	assert.True(t, p.HostAllowed("10.1.44.2:9090"))
	assert.False(t, p.HostAllowed("192.168.1.5:9090"))

	open := PrometheusConfig{}
	require.NoError(t, open.parseAllowedHosts())
	assert.True(t, open.HostAllowed("192.168.1.5:9090"))
}
