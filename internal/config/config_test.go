package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]uint64{
		"1024":  1024,
		"10Mi":  10 * 1024 * 1024,
		"25MiB": 25 * 1024 * 1024,
		"512ki": 512 * 1024,
		"1GB":   1000 * 1000 * 1000,
		"20MB":  20 * 1000 * 1000,
		"7B":    7,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
	for _, bad := range []string{"", "abc", "10XB", "-1Mi"} {
		if _, err := ParseByteSize(bad); err == nil {
			t.Fatalf("ParseByteSize(%q) expected error", bad)
		}
	}
}

func TestLoad_DefaultsAndEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MJ_SECRET", "s3cret")
	path := writeConfig(t, `
server:
  storageDir: `+dir+`
objects:
  signingSecret: ${MJ_SECRET}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Objects.SigningSecret != "s3cret" {
		t.Fatalf("env not expanded: %q", cfg.Objects.SigningSecret)
	}
	if cfg.Queue.MaxAttempts != 3 || cfg.Queue.Workers != 4 {
		t.Fatalf("queue defaults: %+v", cfg.Queue)
	}
	if cfg.Queue.CompletedRetention != time.Hour || cfg.Queue.FailedRetention != 24*time.Hour {
		t.Fatalf("retention defaults: %+v", cfg.Queue)
	}
	if cfg.Transcription.SizeCeiling != ByteSize(25*1024*1024) {
		t.Fatalf("size ceiling default: %d", cfg.Transcription.SizeCeiling)
	}
	if cfg.Transcription.Engine != "mock" {
		t.Fatalf("engine default: %q", cfg.Transcription.Engine)
	}
	if cfg.Export.FontScale != 0.8 || cfg.Export.DefaultTTL != 24*time.Hour || cfg.Export.MaxTTL != 7*24*time.Hour {
		t.Fatalf("export defaults: %+v", cfg.Export)
	}
	if cfg.Server.DatabasePath != filepath.Join(dir, "mediajobs.db") {
		t.Fatalf("db path: %q", cfg.Server.DatabasePath)
	}
	if _, err := os.Stat(cfg.Objects.Dir); err != nil {
		t.Fatalf("objects dir not created: %v", err)
	}
	if !strings.HasPrefix(cfg.Objects.PublicBaseURL, "http://localhost") {
		t.Fatalf("public base url: %q", cfg.Objects.PublicBaseURL)
	}
}

func TestLoad_ByteSizeAndDurations(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
server:
  storageDir: `+dir+`
queue:
  maxAttempts: 5
  backoffBase: 1s
  backoffMax: 10s
transcription:
  sizeCeiling: 30Mi
  desiredCap: 20Mi
  assumedMaxDuration: 20m
objects:
  signingSecret: x
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.MaxAttempts != 5 || cfg.Queue.BackoffBase != time.Second || cfg.Queue.BackoffMax != 10*time.Second {
		t.Fatalf("queue: %+v", cfg.Queue)
	}
	if cfg.Transcription.SizeCeiling != ByteSize(30*1024*1024) || cfg.Transcription.DesiredCap != ByteSize(20*1024*1024) {
		t.Fatalf("sizes: %+v", cfg.Transcription)
	}
	if cfg.Transcription.AssumedMaxDuration != 20*time.Minute {
		t.Fatalf("assumed duration: %v", cfg.Transcription.AssumedMaxDuration)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"missing secret": `
server:
  storageDir: ` + dir + `
`,
		"openai without key": `
server:
  storageDir: ` + dir + `
transcription:
  engine: openai
objects:
  signingSecret: x
`,
		"unknown engine": `
server:
  storageDir: ` + dir + `
transcription:
  engine: carrier-pigeon
objects:
  signingSecret: x
`,
		"cap above ceiling": `
server:
  storageDir: ` + dir + `
transcription:
  sizeCeiling: 10Mi
  desiredCap: 20Mi
objects:
  signingSecret: x
`,
		"bad log format": `
server:
  storageDir: ` + dir + `
  logFormat: xml
objects:
  signingSecret: x
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default(t.TempDir())
	if cfg.Queue.MaxAttempts != 3 || cfg.Export.FontScale != 0.8 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if !strings.HasSuffix(cfg.ScratchDir(), "scratch") {
		t.Fatalf("scratch dir: %q", cfg.ScratchDir())
	}
}
