package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.StoreTimeout != 5*time.Second || cfg.QueueScope != ScopeGlobal {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RequireAccept {
		t.Fatal("strict sequencing should be off by default")
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("RIDES_REQUIRE_ACCEPT", "true")
	t.Setenv("QUEUE_SCOPE", "Radius")
	t.Setenv("QUEUE_RADIUS_METERS", "1500")
	t.Setenv("STORE_TIMEOUT", "2s")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers not parsed: %v", cfg.KafkaBrokers)
	}
	if !cfg.RequireAccept || cfg.QueueScope != ScopeRadius || cfg.QueueRadiusMeters != 1500 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.StoreTimeout != 2*time.Second {
		t.Fatalf("store timeout = %s", cfg.StoreTimeout)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("QUEUE_SCOPE", "radius")
	t.Setenv("NOTIFY_QUEUE_SIZE", "0")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "QUEUE_RADIUS_METERS", "NOTIFY_QUEUE_SIZE", "JWT_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("INBOX_MAX_LEN", "25")
	t.Setenv("KAFKA_GROUP", "g1")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.InboxMaxLen != 25 || cfg.KafkaGroup != "g1" || cfg.RetryAttempts != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	t.Setenv("RETRY_ATTEMPTS", "0")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatal("expected error for zero retry attempts")
	}
}
