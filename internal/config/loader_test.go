package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
logging:
  level: info
  format: text
supervision:
  url: ws://localhost:8180/steve/websocket/CentralSystemService
  request_timeout: 30s
fleet:
  template_dir: ./templates
  stations:
    - template: ac-22kw
      count: 3
mongodb:
  enabled: false
admin:
  enabled: false
`

func TestLoad(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Supervision.URL == "" {
		t.Error("supervision url not loaded")
	}
	if cfg.Supervision.RequestTimeout != 30*time.Second {
		t.Errorf("request timeout: expected 30s, got %v", cfg.Supervision.RequestTimeout)
	}
	if len(cfg.Fleet.Stations) != 1 || cfg.Fleet.Stations[0].Count != 3 {
		t.Errorf("fleet entries not loaded: %+v", cfg.Fleet.Stations)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing supervision url",
			content: `
logging: {level: info, format: text}
fleet:
  stations: [{template: a, count: 1}]
`,
		},
		{
			name: "no stations",
			content: `
logging: {level: info, format: text}
supervision: {url: ws://localhost}
fleet:
  stations: []
`,
		},
		{
			name: "zero count",
			content: `
logging: {level: info, format: text}
supervision: {url: ws://localhost}
fleet:
  stations: [{template: a, count: 0}]
`,
		},
		{
			name: "bad log level",
			content: `
logging: {level: loud, format: text}
supervision: {url: ws://localhost}
fleet:
  stations: [{template: a, count: 1}]
`,
		},
		{
			name: "mongodb enabled without uri",
			content: `
logging: {level: info, format: text}
supervision: {url: ws://localhost}
fleet:
  stations: [{template: a, count: 1}]
mongodb: {enabled: true}
`,
		},
		{
			name: "admin enabled without secret",
			content: `
logging: {level: info, format: text}
supervision: {url: ws://localhost}
fleet:
  stations: [{template: a, count: 1}]
admin: {enabled: true, port: 8090}
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
