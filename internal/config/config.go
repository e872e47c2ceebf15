// Package config decodes the Configuration document embedded in the
// store file (spec §6) into typed, default-filled settings for every
// other component, the same read-Configuration-then-fall-back-to-default
// pattern the original service's SetUp used, expressed as a plain decode
// step instead of per-field JSON lookups.
package config

import (
	"encoding/json"
	"time"

	"alfred/internal/document"
)

// HTTPServer carries the merged Http.* server options; Port (an int,
// read by cmd/alfred) and TooManyRequestsThreshold (a float64) are kept
// typed, the rest pass through as opaque strings the way the original's
// Http::Server::SetConfigurationItem did.
type HTTPServer struct {
	Port                     int
	TooManyRequestsThreshold float64
	Extra                    map[string]string
}

// Configuration is the fully-decoded, default-filled Configuration
// sub-document.
type Configuration struct {
	MinSaveInterval                time.Duration
	RequestTimeoutSeconds          time.Duration
	SslCertificate                 string
	SslKey                         string
	SslKeyPassphrase               string
	CaCertificates                 string
	LogFile                        string
	DiagnosticReportingThresholds  map[string]int
	Http                           HTTPServer
	WebSocketMaxFrameSize          int64
	WebSocketAuthenticationTimeout time.Duration
	WebSocketCloseLinger           time.Duration
	AuthAttemptLimit               int
	AuthAttemptWindow              time.Duration
}

// Default returns the Configuration the original reaches for when the
// store file carries no Configuration object at all, or a key is absent.
func Default() Configuration {
	return Configuration{
		MinSaveInterval:                60 * time.Second,
		RequestTimeoutSeconds:          30 * time.Second,
		WebSocketMaxFrameSize:          1 << 20,
		WebSocketAuthenticationTimeout: 30 * time.Second,
		WebSocketCloseLinger:           5 * time.Second,
		AuthAttemptLimit:               10,
		AuthAttemptWindow:              time.Minute,
		Http: HTTPServer{
			Port:                     8100,
			TooManyRequestsThreshold: 0.0,
			Extra:                    map[string]string{},
		},
		DiagnosticReportingThresholds: map[string]int{},
	}
}

// Decode reads the Configuration sub-document out of root (the whole
// store document), applying Default() for anything absent. root may be
// document.Invalid or nil (an empty/missing store file); Decode then
// returns Default() unchanged.
func Decode(root document.Value) Configuration {
	cfg := Default()
	obj, ok := document.AsObject(root)
	if !ok {
		return cfg
	}
	raw, ok := obj["Configuration"]
	if !ok {
		return cfg
	}
	confObj, ok := document.AsObject(raw)
	if !ok {
		return cfg
	}

	if v, ok := numberOf(confObj["MinSaveInterval"]); ok {
		cfg.MinSaveInterval = time.Duration(v * float64(time.Second))
	}
	if v, ok := numberOf(confObj["RequestTimeoutSeconds"]); ok {
		cfg.RequestTimeoutSeconds = time.Duration(v * float64(time.Second))
	}
	if v, ok := confObj["SslCertificate"].(string); ok {
		cfg.SslCertificate = v
	}
	if v, ok := confObj["SslKey"].(string); ok {
		cfg.SslKey = v
	}
	if v, ok := confObj["SslKeyPassphrase"].(string); ok {
		cfg.SslKeyPassphrase = v
	}
	if v, ok := confObj["CaCertificates"].(string); ok {
		cfg.CaCertificates = v
	}
	if v, ok := confObj["LogFile"].(string); ok {
		cfg.LogFile = v
	}
	if thresholds, ok := document.AsObject(confObj["DiagnosticReportingThresholds"]); ok {
		cfg.DiagnosticReportingThresholds = map[string]int{}
		for k, v := range thresholds {
			if n, ok := numberOf(v); ok {
				cfg.DiagnosticReportingThresholds[k] = int(n)
			}
		}
	}
	if httpObj, ok := document.AsObject(confObj["Http"]); ok {
		for k, v := range httpObj {
			switch k {
			case "Port":
				if n, ok := numberOf(v); ok {
					cfg.Http.Port = int(n)
				}
			case "TooManyRequestsThreshold":
				if n, ok := numberOf(v); ok {
					cfg.Http.TooManyRequestsThreshold = n
				}
			default:
				if s, ok := v.(string); ok {
					cfg.Http.Extra[k] = s
				}
			}
		}
	}
	if v, ok := numberOf(confObj["WebSocketMaxFrameSize"]); ok {
		cfg.WebSocketMaxFrameSize = int64(v)
	}
	if v, ok := numberOf(confObj["WebSocketAuthenticationTimeout"]); ok {
		cfg.WebSocketAuthenticationTimeout = time.Duration(v * float64(time.Second))
	}
	if v, ok := numberOf(confObj["WebSocketCloseLinger"]); ok {
		cfg.WebSocketCloseLinger = time.Duration(v * float64(time.Second))
	}
	if v, ok := numberOf(confObj["AuthAttemptLimit"]); ok {
		cfg.AuthAttemptLimit = int(v)
	}
	if v, ok := numberOf(confObj["AuthAttemptWindow"]); ok {
		cfg.AuthAttemptWindow = time.Duration(v * float64(time.Second))
	}
	return cfg
}

func numberOf(v document.Value) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
