package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Buffer: BufferConfig{
			Dir:              "/var/lib/msgbuf/data",
			MaxSize:          ByteSize(100 * 1000 * 1000000), // 100 GB
			SegmentCount:     1000,
			MaxPayloadSize:   ByteSize(128 * 1024),
			AutoSyncInterval: Duration(time.Second),
		},
		Ingest: IngestConfig{
			Enabled:      false,
			URL:          "nats://localhost:4222",
			OffsetsPath:  "/var/lib/msgbuf/offsets.db",
			OffsetsEvery: 256,
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Region:    "us-east-1",
			OnFailure: "abort",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
	}
}
