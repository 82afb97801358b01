package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"avatts/internal/pkg/avatts/assets"
	"avatts/internal/pkg/avatts/engine"
)

// ErrHelp is returned when -h was given; usage has already been printed.
var ErrHelp = pflag.ErrHelp

type Config struct {
	AssetDir    string `mapstructure:"asset_dir"`
	InstanceDir string `mapstructure:"instance_dir"`
	ModelFile   string `mapstructure:"model_file"`
	TokensFile  string `mapstructure:"tokens_file"`
	DataDir     string `mapstructure:"data_dir"`

	Backend        string  `mapstructure:"backend"`
	Language       string  `mapstructure:"language"`
	Country        string  `mapstructure:"country"`
	VoiceName      string  `mapstructure:"voice_name"`
	MaxThreads     int     `mapstructure:"max_threads"`
	NoiseScale     float32 `mapstructure:"noise_scale"`
	NoiseScaleW    float32 `mapstructure:"noise_scale_w"`
	LengthScale    float32 `mapstructure:"length_scale"`
	OnnxRuntimeLib string  `mapstructure:"onnxruntime_lib"`
	Phonemizer     string  `mapstructure:"phonemizer"`
	SampleRate     int     `mapstructure:"sample_rate"`

	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout"`
	ChunkSize        int           `mapstructure:"chunk_size"`

	Text     string `mapstructure:"text"`
	Output   string `mapstructure:"output"`
	Serve    bool   `mapstructure:"serve"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	NatsURL       string `mapstructure:"nats_url"`
	NatsEmbedded  bool   `mapstructure:"nats_embedded"`
	NatsPort      int    `mapstructure:"nats_port"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	MetricsAddr   string `mapstructure:"metrics_addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("asset_dir", "assets/tts")
	v.SetDefault("instance_dir", defaultInstanceDir())
	v.SetDefault("model_file", "persian_model.onnx")
	v.SetDefault("tokens_file", "tokens.txt")
	v.SetDefault("data_dir", "espeak-ng-data")
	v.SetDefault("backend", "vits")
	v.SetDefault("language", "fa")
	v.SetDefault("country", "IR")
	v.SetDefault("voice_name", "fa-ir-ava-premium")
	v.SetDefault("max_threads", 4)
	v.SetDefault("noise_scale", 0.667)
	v.SetDefault("noise_scale_w", 0.8)
	v.SetDefault("length_scale", 1.0)
	v.SetDefault("onnxruntime_lib", "")
	v.SetDefault("phonemizer", "goruut")
	v.SetDefault("sample_rate", 22050)
	v.SetDefault("readiness_timeout", 10*time.Second)
	v.SetDefault("chunk_size", 8192)
	v.SetDefault("output", "output.wav")
	v.SetDefault("serve", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("nats_embedded", false)
	v.SetDefault("nats_port", 4222)
	v.SetDefault("subject_prefix", "avatts")
	v.SetDefault("metrics_addr", "")
}

func defaultInstanceDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "avatts")
	}
	return filepath.Join(os.TempDir(), "avatts")
}

// flag name -> config key
var flagKeys = map[string]string{
	"text":              "text",
	"output":            "output",
	"serve":             "serve",
	"assets":            "asset_dir",
	"instance-dir":      "instance_dir",
	"backend":           "backend",
	"threads":           "max_threads",
	"length-scale":      "length_scale",
	"onnxruntime-lib":   "onnxruntime_lib",
	"phonemizer":        "phonemizer",
	"readiness-timeout": "readiness_timeout",
	"chunk-size":        "chunk_size",
	"log-level":         "log_level",
	"log-file":          "log_file",
	"nats-url":          "nats_url",
	"embedded-nats":     "nats_embedded",
	"subject-prefix":    "subject_prefix",
	"metrics-addr":      "metrics_addr",
}

// LoadAndParse reads defaults, the config file, AVATTS_* environment
// variables and args (without the program name), in increasing priority.
func LoadAndParse(args []string, stdin io.Reader) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	flagSet := pflag.NewFlagSet("avatts", pflag.ContinueOnError)
	configFile := flagSet.StringP("config", "c", "", "Path to config file")
	flagSet.StringP("text", "t", "", "Text to synthesize (use '-' to read from stdin)")
	flagSet.StringP("file", "f", "", "Read text from file")
	flagSet.StringP("output", "o", "", "Output WAV file")
	flagSet.Bool("serve", false, "Serve the TTS service over NATS instead of writing a file")
	flagSet.String("assets", "", "Read-only asset directory")
	flagSet.String("instance-dir", "", "Writable directory the assets are provisioned into")
	flagSet.StringP("backend", "b", "", "Engine backend")
	flagSet.Int("threads", 0, "Maximum engine threads")
	flagSet.Float32P("length-scale", "s", 1.0, "Speech length scale (higher is slower)")
	flagSet.String("onnxruntime-lib", "", "Path to the ONNX Runtime shared library")
	flagSet.String("phonemizer", "", "Text to symbol conversion: goruut or none")
	flagSet.Duration("readiness-timeout", 0, "How long a request waits for the engine")
	flagSet.Int("chunk-size", 0, "PCM bytes per audio chunk")
	flagSet.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	flagSet.String("log-file", "", "Log file path")
	flagSet.String("nats-url", "", "NATS server URL")
	flagSet.Bool("embedded-nats", false, "Run an in-process NATS server on nats_port")
	flagSet.String("subject-prefix", "", "NATS subject prefix")
	flagSet.String("metrics-addr", "", "Address for the Prometheus /metrics endpoint")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: avatts [options] [text]\n\nOptions:\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flagSet.Lookup(name)); err != nil {
			return nil, err
		}
	}

	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("avatts.cfg")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "avatts"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("AVATTS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.InstanceDir = expandHome(cfg.InstanceDir)

	textFile, _ := flagSet.GetString("file")
	switch {
	case textFile != "":
		content, err := os.ReadFile(textFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read text file: %w", err)
		}
		cfg.Text = strings.TrimSpace(string(content))
	case cfg.Text == "-":
		content, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		cfg.Text = strings.TrimSpace(string(content))
	case cfg.Text == "":
		cfg.Text = strings.Join(flagSet.Args(), " ")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Text == "" && !c.Serve {
		return fmt.Errorf("text is required (use -t, -f, or provide as argument) unless --serve is set")
	}
	if c.ChunkSize <= 0 || c.ChunkSize%2 != 0 {
		return fmt.Errorf("chunk_size must be a positive even number, got %d", c.ChunkSize)
	}
	if c.ReadinessTimeout <= 0 {
		return fmt.Errorf("readiness_timeout must be positive, got %s", c.ReadinessTimeout)
	}
	if c.LengthScale <= 0 || c.LengthScale > 4 {
		return fmt.Errorf("length_scale must be in (0, 4], got %g", c.LengthScale)
	}
	if c.Phonemizer != "goruut" && c.Phonemizer != "none" {
		return fmt.Errorf("phonemizer must be goruut or none, got %q", c.Phonemizer)
	}
	if c.MaxThreads < 0 {
		return fmt.Errorf("max_threads must not be negative, got %d", c.MaxThreads)
	}
	return nil
}

func (c *Config) Layout() assets.Layout {
	return assets.Layout{
		AssetDir:    c.AssetDir,
		InstanceDir: c.InstanceDir,
		ModelFile:   c.ModelFile,
		TokensFile:  c.TokensFile,
		DataDir:     c.DataDir,
	}
}

// EngineConfig leaves the asset paths and thread count empty; the
// initializer fills them in once assets are provisioned.
func (c *Config) EngineConfig() engine.EngineConfig {
	return engine.EngineConfig{
		Backend:     c.Backend,
		RuntimeLib:  c.OnnxRuntimeLib,
		Phonemizer:  c.Phonemizer,
		SampleRate:  c.SampleRate,
		NoiseScale:  c.NoiseScale,
		NoiseScaleW: c.NoiseScaleW,
		LengthScale: c.LengthScale,
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
