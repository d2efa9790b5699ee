package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				*dst = strings.TrimSpace(v)
				return
			}
		}
	}
	var errs []string
	u64 := func(dst *uint64, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := parseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	str(&cfg.RPC, "RPC")
	u64(&cfg.ChainID, "CHAIN_ID")
	str(&cfg.Contract, "CONTRACT_ADDRESS", "CONTRACT")
	str(&cfg.ServiceKey, "SERVICE_PK")
	str(&cfg.DatabasePath, "DATABASE_PATH")
	str(&cfg.WorkDir, "WORK_DIR")
	str(&cfg.ListenAddr, "LISTEN_ADDR")

	str(&cfg.Reports.Root, "REPORT_ROOT")
	str(&cfg.Reports.Backend, "REPORT_BACKEND")
	str(&cfg.Reports.S3Bucket, "S3_BUCKET")
	str(&cfg.Reports.S3Prefix, "S3_PREFIX")
	str(&cfg.Reports.S3Region, "S3_REGION")
	str(&cfg.Reports.S3Endpoint, "S3_ENDPOINT")

	u64(&cfg.Index.FromBlock, "INDEX_FROM_BLOCK")
	u64(&cfg.Index.Lookback, "INDEX_LOOKBACK")
	dur(&cfg.Index.PollInterval, "INDEX_POLL_INTERVAL")

	str(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	str(&cfg.LLM.Model, "LLM_MODEL")
	str(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	str(&cfg.LLM.Organization, "OPENAI_ORG")

	str(&cfg.Detector.Binary, "SLITHER_BIN")

	str(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	str(&cfg.Telemetry.ServiceName, "OTEL_SERVICE_NAME")
	if v, ok := lookup("OTEL_EXPORTER_OTLP_INSECURE"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("OTEL_EXPORTER_OTLP_INSECURE: %v", err))
		} else {
			cfg.Telemetry.Insecure = b
		}
	}

	if v, ok := lookup("WORKERS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("WORKERS: %v", err))
		} else {
			cfg.Workers = n
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// parseDuration accepts Go durations ("5s") or bare seconds ("5").
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
