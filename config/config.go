package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds the app's configuration
type Config struct {
	Redis struct {
		Addr string `json:"addr"`
		DB   int    `json:"db"`
		// Sentinel settings
		// List of Sentinel Hosts
		Sentinel []string `json:"sentinel"`
		// Sentinel Master Name
		MasterName string `json:"master_name"`
	} `json:"redis"`

	API struct {
		Host          string `json:"host"`
		Port          int    `json:"port"`
		AllowedOrigin string `json:"allowed_origin"`
	} `json:"api"`

	Processor struct {
		StorageDir     string            `json:"storage_dir"`
		StorageBackend map[string]string `json:"filestorage"`
		StatsInterval  int               `json:"stats_interval"`
		QueueSize      int               `json:"queue_size"`

		// Disk usage percentages of StorageDir above which new jobs are
		// rejected and at or below which they are accepted again.
		DiskHighWatermark int `json:"disk_high_watermark"`
		DiskLowWatermark  int `json:"disk_low_watermark"`
		// Seconds between disk usage samples
		DiskCheckInterval int `json:"disk_check_interval"`
	} `json:"processor"`

	// Tool configures the invocations of the extraction tool.
	Tool struct {
		Path           string `json:"path"`
		CookiesFile    string `json:"cookies_file"`
		AudioFormat    string `json:"audio_format"`
		OutputTemplate string `json:"output_template"`
		UserAgent      string `json:"user_agent"`
		Verbose        bool   `json:"verbose"`
		ProbeTimeout   int    `json:"probe_timeout"`
		MaxAttempts    int    `json:"max_attempts"`
	} `json:"tool"`

	Notifier struct {
		Channel string `json:"channel"`
	} `json:"notifier"`

	Backends map[string]map[string]interface{}
}

// Default returns the configuration used for anything not set explicitly.
func Default() Config {
	cfg := Config{}
	cfg.Redis.Addr = "localhost:6379"
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 3001
	cfg.Processor.StorageDir = "downloads"
	cfg.Processor.StatsInterval = 5
	cfg.Processor.DiskHighWatermark = 95
	cfg.Processor.DiskLowWatermark = 90
	cfg.Processor.DiskCheckInterval = 60
	cfg.Tool.Path = "yt-dlp"
	cfg.Tool.CookiesFile = "cookies.txt"
	cfg.Tool.AudioFormat = "wav"
	cfg.Tool.OutputTemplate = "%(title)s.%(ext)s"
	cfg.Tool.Verbose = true
	cfg.Tool.ProbeTimeout = 10
	cfg.Tool.MaxAttempts = 3
	return cfg
}

// Parse loads a given file name on top of Default and applies the
// environment overrides. An empty filename skips the file.
func Parse(filename string) (Config, error) {
	cfg := Default()
	if filename != "" {
		f, err := os.Open(filename)
		if err != nil {
			return cfg, err
		}
		defer f.Close()

		dec := json.NewDecoder(f)
		dec.UseNumber()
		if err = dec.Decode(&cfg); err != nil {
			return cfg, err
		}
	}

	err := cfg.ApplyEnv(os.LookupEnv)
	return cfg, err
}

// ApplyEnv overrides cfg with the environment variables found by lookup.
func (cfg *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("YTDLP_PATH"); ok && v != "" {
		cfg.Tool.Path = v
	}
	if v, ok := lookup("COOKIES_FILE"); ok && v != "" {
		cfg.Tool.CookiesFile = v
	}
	if v, ok := lookup("DOWNLOADS_DIR"); ok && v != "" {
		cfg.Processor.StorageDir = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		cfg.Redis.Addr = v
	}
	if v, ok := lookup("CORS_ORIGIN"); ok {
		cfg.API.AllowedOrigin = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"PORT", &cfg.API.Port},
		{"DISK_HIGH_WATERMARK", &cfg.Processor.DiskHighWatermark},
		{"DISK_LOW_WATERMARK", &cfg.Processor.DiskLowWatermark},
	}
	for _, e := range ints {
		v, ok := lookup(e.name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("Invalid %s: %s", e.name, err)
		}
		*e.dst = n
	}
	return nil
}
