package config

import (
	"fmt"
	"time"
)

// Health probe schemes. HTTP probes GET the health path; redis probes PING.
const (
	SchemeHTTP  = "http"
	SchemeRedis = "redis"
)

// ServiceSpec describes one logical service of the stack. Replica i
// (1-based) publishes its container port on host port HostPortBase+i-1;
// a GatewayPort above zero gives the service a stable routed port on the
// gateway.
type ServiceSpec struct {
	Name          string            `mapstructure:"name"`
	Image         string            `mapstructure:"image"`
	Build         BuildConfig       `mapstructure:"build"`
	ContainerPort int               `mapstructure:"container_port"`
	HostPortBase  int               `mapstructure:"host_port_base"`
	GatewayPort   int               `mapstructure:"gateway_port"`
	HealthScheme  string            `mapstructure:"health_scheme"`
	HealthPath    string            `mapstructure:"health_path"`
	Replicas      int               `mapstructure:"replicas"`
	ProbeInterval time.Duration     `mapstructure:"probe_interval"`
	ReadyTimeout  time.Duration     `mapstructure:"ready_timeout"`
	Env           map[string]string `mapstructure:"env"`
	Volumes       []string          `mapstructure:"volumes"`
}

type BuildConfig struct {
	Context    string `mapstructure:"context"`
	Dockerfile string `mapstructure:"dockerfile"`
}

// HostPort returns the host port of the 1-based replica index.
func (s ServiceSpec) HostPort(replica int) int {
	return s.HostPortBase + replica - 1
}

// ProbeURL builds the readiness URL for a replica address (host:port).
func (s ServiceSpec) ProbeURL(addr string) string {
	if s.HealthScheme == SchemeRedis {
		return fmt.Sprintf("redis://%s", addr)
	}
	return fmt.Sprintf("http://%s%s", addr, s.HealthPath)
}

// NeedsBuild reports whether the service is built from a local context
// rather than pulled as an image.
func (s ServiceSpec) NeedsBuild() bool {
	return s.Build.Context != ""
}

// DefaultServices is the stock voice-and-document stack: the unified API,
// speech-to-text, text-to-speech, the model host, and redis. Gateway ports
// keep the addresses clients already use; replica backends live on the
// 18xxx range.
func DefaultServices() []ServiceSpec {
	return []ServiceSpec{
		{
			Name:          "api",
			Build:         BuildConfig{Context: "./services/api"},
			ContainerPort: 8000,
			HostPortBase:  18000,
			GatewayPort:   8080,
			HealthScheme:  SchemeHTTP,
			HealthPath:    "/health",
			Replicas:      1,
			ProbeInterval: 2 * time.Second,
			ReadyTimeout:  60 * time.Second,
		},
		{
			Name:          "stt",
			Build:         BuildConfig{Context: "./services/stt"},
			ContainerPort: 8000,
			HostPortBase:  18100,
			GatewayPort:   8081,
			HealthScheme:  SchemeHTTP,
			HealthPath:    "/health",
			Replicas:      1,
			ProbeInterval: 2 * time.Second,
			ReadyTimeout:  120 * time.Second,
		},
		{
			Name:          "tts",
			Build:         BuildConfig{Context: "./services/tts"},
			ContainerPort: 8000,
			HostPortBase:  18200,
			GatewayPort:   8082,
			HealthScheme:  SchemeHTTP,
			HealthPath:    "/health",
			Replicas:      1,
			ProbeInterval: 2 * time.Second,
			ReadyTimeout:  120 * time.Second,
		},
		{
			Name:          "llm",
			Image:         "ollama/ollama:latest",
			ContainerPort: 11434,
			HostPortBase:  18300,
			GatewayPort:   11434,
			HealthScheme:  SchemeHTTP,
			HealthPath:    "/",
			Replicas:      1,
			ProbeInterval: 2 * time.Second,
			ReadyTimeout:  300 * time.Second,
			Volumes:       []string{"ollama:/root/.ollama"},
		},
		{
			Name:          "redis",
			Image:         "redis:7-alpine",
			ContainerPort: 6379,
			HostPortBase:  6379,
			HealthScheme:  SchemeRedis,
			Replicas:      1,
			ProbeInterval: 1 * time.Second,
			ReadyTimeout:  30 * time.Second,
		},
	}
}
