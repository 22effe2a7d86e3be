package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("CHRONICLES_INGEST_KAFKA_ENABLED", "true")

	path := filepath.Join(t.TempDir(), "chronicles.yaml")
	content := []byte(`
server:
  node_id: n1
storage:
  data_dir: /tmp/chronicles-data
ingest:
  kafka:
    enabled: false
  rabbitmq:
    enabled: true
backup:
  s3:
    enabled: true
    provider: minio
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if !cfg.Ingest.Kafka.Enabled {
		t.Fatalf("expected env override to enable kafka")
	}
	if !cfg.Ingest.RabbitMQ.Enabled {
		t.Fatalf("expected rabbitmq adapter enabled")
	}
	if cfg.Coordinator.WriteMode != "synchronous" {
		t.Fatalf("expected default write mode synchronous, got %q", cfg.Coordinator.WriteMode)
	}
	if cfg.Wire.Address != ":2113" {
		t.Fatalf("expected default wire address, got %q", cfg.Wire.Address)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chronicles.toml")
	content := []byte(`
[server]
node_id = "n2"

[storage]
data_dir = "/tmp/chronicles-data"

[ingest.kafka]
enabled = false

[ingest.rabbitmq]
enabled = false
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Server.NodeID != "n2" {
		t.Fatalf("unexpected node id: %q", cfg.Server.NodeID)
	}
}

func TestValidateRequiresNodeIDAndDataDir(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing node_id")
	}
	cfg.Server.NodeID = "n1"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing data_dir")
	}
}

func TestValidateWriteMode(t *testing.T) {
	cfg := Config{
		Server:      ServerConfig{NodeID: "n1"},
		Storage:     StorageConfig{DataDir: "/tmp/x"},
		Coordinator: CoordinatorConfig{WriteMode: "eventual"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown write mode")
	}
}

func TestValidateDisallowMultipleAdapters(t *testing.T) {
	cfg := Config{
		Server:      ServerConfig{NodeID: "n1"},
		Storage:     StorageConfig{DataDir: "/tmp/x"},
		Coordinator: CoordinatorConfig{WriteMode: "synchronous"},
		Ingest: IngestConfig{
			Kafka:    KafkaIngestConfig{Enabled: true},
			RabbitMQ: RabbitMQIngestConfig{Enabled: true},
		},
		Feature: FeatureConfig{AllowMultipleAdapters: false},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when multiple adapters are enabled")
	}
}
