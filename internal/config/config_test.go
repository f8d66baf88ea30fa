package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func validConfig() *Config {
	c := &Config{
		Services: DefaultServices(),
		Models: ModelsConfig{
			Service: "llm",
			Chat:    "qwen2.5:7b",
			Vision:  "llava:7b",
		},
	}
	c.applyDefaults()
	return c
}

func TestValidateDefaults(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())

	assert.Equal(t, "voxstack", c.Stack.Name)
	assert.Equal(t, "docker", c.Docker.Binary)
	assert.Equal(t, "voxstack", c.Docker.Network)
	assert.Equal(t, "voxstack", c.Docker.NamePrefix)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "duplicate service name",
			mutate:  func(c *Config) { c.Services[1].Name = c.Services[0].Name },
			wantErr: "duplicate service name",
		},
		{
			name:    "zero replicas",
			mutate:  func(c *Config) { c.Services[0].Replicas = 0 },
			wantErr: "replicas",
		},
		{
			name:    "missing image and build",
			mutate:  func(c *Config) { c.Services[0].Image = ""; c.Services[0].Build.Context = "" },
			wantErr: "image or a build context",
		},
		{
			name:    "timeout shorter than interval",
			mutate:  func(c *Config) { c.Services[0].ReadyTimeout = time.Second; c.Services[0].ProbeInterval = 2 * time.Second },
			wantErr: "shorter than probe_interval",
		},
		{
			name:    "unknown health scheme",
			mutate:  func(c *Config) { c.Services[0].HealthScheme = "icmp" },
			wantErr: "health_scheme",
		},
		{
			name: "gateway port collision",
			mutate: func(c *Config) {
				c.Services[1].GatewayPort = c.Services[0].GatewayPort
			},
			wantErr: "gateway port",
		},
		{
			name: "host port collision across replicas",
			mutate: func(c *Config) {
				c.Services[0].Replicas = 3
				c.Services[1].HostPortBase = c.Services[0].HostPortBase + 2
			},
			wantErr: "host port",
		},
		{
			name:    "models service not configured",
			mutate:  func(c *Config) { c.Models.Service = "missing" },
			wantErr: "models.service",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDistinctModels(t *testing.T) {
	models := ModelsConfig{
		Chat:      "m1",
		Vision:    "m1",
		Documents: "m2",
	}

	demands := DistinctModels(models.Requirements())

	require.Len(t, demands, 2)
	assert.Equal(t, "m1", demands[0].Model)
	assert.Equal(t, []string{"chat", "vision"}, demands[0].Roles)
	assert.Equal(t, "m2", demands[1].Model)
	assert.Equal(t, []string{"documents"}, demands[1].Roles)
}

func TestRequirementsSkipEmptyRoles(t *testing.T) {
	models := ModelsConfig{Chat: "qwen2.5:7b"}

	reqs := models.Requirements()

	require.Len(t, reqs, 1)
	assert.Equal(t, "chat", reqs[0].Role)
}

func TestHostPort(t *testing.T) {
	s := ServiceSpec{HostPortBase: 18100}

	assert.Equal(t, 18100, s.HostPort(1))
	assert.Equal(t, 18102, s.HostPort(3))
}

func TestProbeURL(t *testing.T) {
	http := ServiceSpec{HealthScheme: SchemeHTTP, HealthPath: "/health"}
	assert.Equal(t, "http://127.0.0.1:18100/health", http.ProbeURL("127.0.0.1:18100"))

	root := ServiceSpec{HealthScheme: SchemeHTTP, HealthPath: "/"}
	assert.Equal(t, "http://127.0.0.1:18300/", root.ProbeURL("127.0.0.1:18300"))

	rds := ServiceSpec{HealthScheme: SchemeRedis}
	assert.Equal(t, "redis://127.0.0.1:6379", rds.ProbeURL("127.0.0.1:6379"))
}

func TestRoutedServices(t *testing.T) {
	c := validConfig()

	routed := c.RoutedServices()

	names := make([]string, 0, len(routed))
	for _, s := range routed {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"api", "stt", "tts", "llm"}, names)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxstack.yaml")

	content := `
stack:
  name: testing
services:
  - name: web
    image: nginx:alpine
    container_port: 80
    host_port_base: 19000
    gateway_port: 9000
    replicas: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "testing", cfg.Stack.Name)
	require.Len(t, cfg.Services, 1)

	web := cfg.Services[0]
	assert.Equal(t, 2, web.Replicas)
	assert.Equal(t, SchemeHTTP, web.HealthScheme)
	assert.Equal(t, "/health", web.HealthPath)
	assert.Equal(t, 2*time.Second, web.ProbeInterval)
	assert.Equal(t, 60*time.Second, web.ReadyTimeout)
}

func TestLoadFileDefaultsZeroReplicas(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxstack.yaml")

	content := `
services:
  - name: web
    image: nginx:alpine
    container_port: 80
    host_port_base: 19000
    replicas: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Services[0].Replicas)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxstack.yaml")

	content := `
services:
  - name: web
    image: nginx:alpine
    container_port: 80
    host_port_base: 19000
    replicas: -2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replicas")
}

func TestWriteStarter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxstack.yaml")

	require.NoError(t, WriteStarter(path))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "voxstack", cfg.Stack.Name)
	assert.Len(t, cfg.Services, 5)
	assert.Equal(t, "qwen2.5:7b", cfg.Models.Chat)

	err = WriteStarter(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxstack.yaml")

	write := func(replicas int) {
		content := fmt.Sprintf(`
services:
  - name: web
    image: nginx:alpine
    container_port: 80
    host_port_base: 19000
    replicas: %d
`, replicas)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	write(1)

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, zap.NewNop(), func(cfg *Config, err error) {
		if err == nil {
			reloaded <- cfg
		}
	})
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, 1, w.Snapshot().Services[0].Replicas)

	write(3)

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 3, cfg.Services[0].Replicas)
		assert.Equal(t, 3, w.Snapshot().Services[0].Replicas)
	case <-time.After(5 * time.Second):
		t.Fatal("config reload not observed")
	}
}
