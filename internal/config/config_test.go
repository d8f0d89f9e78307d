package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kaldb.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const recoveryYAML = `
node_role: RECOVERY
logging:
  format: json
  level: debug
upstream:
  brokers: ["broker-1:9092", "broker-2:9092"]
  topic: logs
  client_group: kaldb-recovery
blob:
  backend: s3
  bucket: kaldb-chunks
  region: us-east-1
metadata:
  backend: zookeeper
  connect: "zk-1:2181,zk-2:2181"
  path_prefix: /kaldb-prod
manager:
  schedule_period_mins: 5
recovery:
  node_name: recovery-7
`

func TestLoad_RecoveryRole(t *testing.T) {
	cfg, err := Load(writeConfig(t, recoveryYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.NodeRole != RoleRecovery {
		t.Errorf("role = %s", cfg.NodeRole)
	}
	if len(cfg.Upstream.Brokers) != 2 {
		t.Errorf("brokers = %v", cfg.Upstream.Brokers)
	}
	if cfg.Blob.Bucket != "kaldb-chunks" {
		t.Errorf("bucket = %q", cfg.Blob.Bucket)
	}
	if cfg.Metadata.PathPrefix != "/kaldb-prod" {
		t.Errorf("path prefix = %q", cfg.Metadata.PathPrefix)
	}
	if cfg.Manager.SchedulePeriod() != 5*time.Minute {
		t.Errorf("schedule period = %v", cfg.Manager.SchedulePeriod())
	}
	if cfg.Recovery.NodeName != "recovery-7" {
		t.Errorf("node name = %q", cfg.Recovery.NodeName)
	}
}

func TestLoad_UnknownRole(t *testing.T) {
	_, err := Load(writeConfig(t, "node_role: ROUTER\n"))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("got %v, want ErrInvalid", err)
	}
}

func TestLoad_MissingBrokersForRecovery(t *testing.T) {
	yaml := `
node_role: RECOVERY
blob:
  backend: mem
metadata:
  backend: memory
`
	_, err := Load(writeConfig(t, yaml))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("got %v, want ErrInvalid", err)
	}
}

func TestLoad_ZookeeperRequiresConnect(t *testing.T) {
	yaml := `
node_role: QUERY
metadata:
  backend: zookeeper
`
	_, err := Load(writeConfig(t, yaml))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("got %v, want ErrInvalid", err)
	}
}

func TestLoad_RelativePathPrefixRejected(t *testing.T) {
	yaml := `
node_role: QUERY
metadata:
  backend: memory
  path_prefix: kaldb
`
	_, err := Load(writeConfig(t, yaml))
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("got %v, want ErrInvalid", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KALDB_NODE_ROLE", "manager")
	t.Setenv("KALDB_METADATA_CONNECT", "zk-9:2181")

	yaml := `
node_role: QUERY
blob:
  backend: mem
metadata:
  backend: zookeeper
  connect: "zk-1:2181"
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeRole != RoleManager {
		t.Errorf("role = %s, want MANAGER from env", cfg.NodeRole)
	}
	if cfg.Metadata.Connect != "zk-9:2181" {
		t.Errorf("connect = %q, want env override", cfg.Metadata.Connect)
	}
}

func TestLoad_Defaults(t *testing.T) {
	yaml := `
node_role: QUERY
metadata:
  backend: memory
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Metadata.PathPrefix != "/kaldb" {
		t.Errorf("default path prefix = %q", cfg.Metadata.PathPrefix)
	}
	if cfg.Manager.SchedulePeriod() != time.Minute {
		t.Errorf("default schedule period = %v", cfg.Manager.SchedulePeriod())
	}
	if cfg.Upstream.ReadTimeout() != 30*time.Second {
		t.Errorf("default read timeout = %v", cfg.Upstream.ReadTimeout())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/no/such/file.yaml")
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("got %v, want ErrInvalid", err)
	}
}
