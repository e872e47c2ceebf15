package config

import (
	"encoding/json"
	"testing"
	"time"
)

func mustDecode(t *testing.T, raw string) interface{} {
	t.Helper()
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return v
}

func TestDecodeMissingConfigurationYieldsDefaults(t *testing.T) {
	cfg := Decode(mustDecode(t, `{"Other":1}`))
	want := Default()
	if cfg.MinSaveInterval != want.MinSaveInterval {
		t.Fatalf("MinSaveInterval = %v, want %v", cfg.MinSaveInterval, want.MinSaveInterval)
	}
	if cfg.Http.Port != 8100 {
		t.Fatalf("Http.Port = %d, want 8100", cfg.Http.Port)
	}
	if cfg.WebSocketAuthenticationTimeout != 30*time.Second {
		t.Fatalf("WebSocketAuthenticationTimeout = %v, want 30s", cfg.WebSocketAuthenticationTimeout)
	}
}

func TestDecodeNilRootYieldsDefaults(t *testing.T) {
	cfg := Decode(nil)
	if cfg.MinSaveInterval != 60*time.Second {
		t.Fatalf("MinSaveInterval = %v, want 60s", cfg.MinSaveInterval)
	}
}

func TestDecodeOverridesRecognizedKeys(t *testing.T) {
	cfg := Decode(mustDecode(t, `{
		"Configuration": {
			"MinSaveInterval": 5,
			"RequestTimeoutSeconds": 10,
			"SslCertificate": "cert.pem",
			"SslKey": "key.pem",
			"CaCertificates": "ca.pem",
			"LogFile": "/var/log/alfred.log",
			"DiagnosticReportingThresholds": {"Store": 2},
			"Http": {"Port": 9100, "TooManyRequestsThreshold": 1.5, "SomeOther": "x"},
			"WebSocketMaxFrameSize": 2048,
			"WebSocketAuthenticationTimeout": 7,
			"WebSocketCloseLinger": 3
		}
	}`))
	if cfg.MinSaveInterval != 5*time.Second {
		t.Fatalf("MinSaveInterval = %v, want 5s", cfg.MinSaveInterval)
	}
	if cfg.SslCertificate != "cert.pem" || cfg.SslKey != "key.pem" {
		t.Fatalf("ssl paths not decoded: %+v", cfg)
	}
	if cfg.DiagnosticReportingThresholds["Store"] != 2 {
		t.Fatalf("thresholds = %+v", cfg.DiagnosticReportingThresholds)
	}
	if cfg.Http.Port != 9100 || cfg.Http.TooManyRequestsThreshold != 1.5 || cfg.Http.Extra["SomeOther"] != "x" {
		t.Fatalf("http = %+v", cfg.Http)
	}
	if cfg.WebSocketMaxFrameSize != 2048 {
		t.Fatalf("WebSocketMaxFrameSize = %d, want 2048", cfg.WebSocketMaxFrameSize)
	}
	if cfg.WebSocketAuthenticationTimeout != 7*time.Second {
		t.Fatalf("WebSocketAuthenticationTimeout = %v, want 7s", cfg.WebSocketAuthenticationTimeout)
	}
	if cfg.WebSocketCloseLinger != 3*time.Second {
		t.Fatalf("WebSocketCloseLinger = %v, want 3s", cfg.WebSocketCloseLinger)
	}
}

func TestDecodeMalformedConfigurationFallsBackToDefaults(t *testing.T) {
	cfg := Decode(mustDecode(t, `{"Configuration": "not-an-object"}`))
	if cfg.Http.Port != 8100 {
		t.Fatalf("expected default port on malformed Configuration, got %d", cfg.Http.Port)
	}
}
