package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hurttlocker/stitch/internal/fault"
	"github.com/hurttlocker/stitch/internal/tokenize"
	"github.com/hurttlocker/stitch/internal/window"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// Configuration keys, as written in the YAML file and accepted in
// ResolveOptions.Flags.
const (
	KeyDBPath             = "db_path"
	KeyMaxSequenceLength  = "window.max_sequence_length"
	KeyOverlap            = "window.overlap"
	KeyStartToken         = "window.start_token"
	KeyEndToken           = "window.end_token"
	KeyTokenizerBackend   = "tokenizer.backend"
	KeyTokenizerVocab     = "tokenizer.vocab"
	KeyTokenizerLowercase = "tokenizer.lowercase"
	KeyTokenizerEncoding  = "tokenizer.encoding"
	KeyGeneratorProvider  = "generator.provider"
	KeyGeneratorEndpoint  = "generator.endpoint"
	KeyGeneratorModel     = "generator.model"
	KeyGeneratorAPIKey    = "generator.api_key"
	KeyGeneratorLibrary   = "generator.library"
	KeyGeneratorOutputs   = "generator.outputs"
	KeyGeneratorHidden    = "generator.hidden_size"
	KeyLogLevel           = "log.level"
	KeyLogFile            = "log.file"
)

// Generator providers.
const (
	ProviderHTTP = "http"
	ProviderONNX = "onnx"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath string
	// Flags maps configuration keys to values given on the command line.
	Flags map[string]string
	// FlagNames maps configuration keys to the flag that set them, for
	// provenance. Missing entries default to "--" + key.
	FlagNames map[string]string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath ResolvedValue `json:"db_path"`

	MaxSequenceLength ResolvedValue `json:"max_sequence_length"`
	Overlap           ResolvedValue `json:"overlap"`
	StartToken        ResolvedValue `json:"start_token"`
	EndToken          ResolvedValue `json:"end_token"`

	TokenizerBackend   ResolvedValue `json:"tokenizer_backend"`
	TokenizerVocab     ResolvedValue `json:"tokenizer_vocab"`
	TokenizerLowercase ResolvedValue `json:"tokenizer_lowercase"`
	TokenizerEncoding  ResolvedValue `json:"tokenizer_encoding"`

	GeneratorProvider   ResolvedValue `json:"generator_provider"`
	GeneratorEndpoint   ResolvedValue `json:"generator_endpoint"`
	GeneratorModel      ResolvedValue `json:"generator_model"`
	GeneratorAPIKey     ResolvedValue `json:"generator_api_key"`
	GeneratorLibrary    ResolvedValue `json:"generator_library"`
	GeneratorOutputs    ResolvedValue `json:"generator_outputs"`
	GeneratorHiddenSize ResolvedValue `json:"generator_hidden_size"`

	LogLevel ResolvedValue `json:"log_level"`
	LogFile  ResolvedValue `json:"log_file"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	Window struct {
		MaxSequenceLength *int     `yaml:"max_sequence_length"`
		Overlap           *float64 `yaml:"overlap"`
		StartToken        string   `yaml:"start_token"`
		EndToken          string   `yaml:"end_token"`
	} `yaml:"window"`
	Tokenizer struct {
		Backend   string `yaml:"backend"`
		Vocab     string `yaml:"vocab"`
		Lowercase *bool  `yaml:"lowercase"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"tokenizer"`
	Generator struct {
		Provider   string `yaml:"provider"`
		Endpoint   string `yaml:"endpoint"`
		Model      string `yaml:"model"`
		APIKey     string `yaml:"api_key"`
		Library    string `yaml:"library"`
		Outputs    string `yaml:"outputs"`
		HiddenSize *int   `yaml:"hidden_size"`
	} `yaml:"generator"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// binding ties a key to its field, environment variable and default.
type binding struct {
	key   string
	env   string
	def   string
	field func(*ResolvedConfig) *ResolvedValue
	file  func(*fileConfig) string
}

var bindings = []binding{
	{KeyDBPath, "STITCH_DB", "~/.stitch/tensors.db",
		func(r *ResolvedConfig) *ResolvedValue { return &r.DBPath },
		func(c *fileConfig) string { return c.DBPath }},
	{KeyMaxSequenceLength, "STITCH_MAX_SEQUENCE_LENGTH", strconv.Itoa(window.DefaultMaxSequenceLength),
		func(r *ResolvedConfig) *ResolvedValue { return &r.MaxSequenceLength },
		func(c *fileConfig) string { return intString(c.Window.MaxSequenceLength) }},
	{KeyOverlap, "STITCH_OVERLAP", strconv.FormatFloat(window.DefaultOverlap, 'g', -1, 64),
		func(r *ResolvedConfig) *ResolvedValue { return &r.Overlap },
		func(c *fileConfig) string { return floatString(c.Window.Overlap) }},
	{KeyStartToken, "STITCH_START_TOKEN", window.DefaultStartToken,
		func(r *ResolvedConfig) *ResolvedValue { return &r.StartToken },
		func(c *fileConfig) string { return c.Window.StartToken }},
	{KeyEndToken, "STITCH_END_TOKEN", window.DefaultEndToken,
		func(r *ResolvedConfig) *ResolvedValue { return &r.EndToken },
		func(c *fileConfig) string { return c.Window.EndToken }},
	{KeyTokenizerBackend, "STITCH_TOKENIZER", tokenize.BackendWordPiece,
		func(r *ResolvedConfig) *ResolvedValue { return &r.TokenizerBackend },
		func(c *fileConfig) string { return c.Tokenizer.Backend }},
	{KeyTokenizerVocab, "STITCH_VOCAB", "",
		func(r *ResolvedConfig) *ResolvedValue { return &r.TokenizerVocab },
		func(c *fileConfig) string { return c.Tokenizer.Vocab }},
	{KeyTokenizerLowercase, "STITCH_LOWERCASE", "true",
		func(r *ResolvedConfig) *ResolvedValue { return &r.TokenizerLowercase },
		func(c *fileConfig) string { return boolString(c.Tokenizer.Lowercase) }},
	{KeyTokenizerEncoding, "STITCH_ENCODING", tokenize.DefaultEncoding,
		func(r *ResolvedConfig) *ResolvedValue { return &r.TokenizerEncoding },
		func(c *fileConfig) string { return c.Tokenizer.Encoding }},
	{KeyGeneratorProvider, "STITCH_GENERATOR", ProviderHTTP,
		func(r *ResolvedConfig) *ResolvedValue { return &r.GeneratorProvider },
		func(c *fileConfig) string { return c.Generator.Provider }},
	{KeyGeneratorEndpoint, "STITCH_GENERATOR_ENDPOINT", "",
		func(r *ResolvedConfig) *ResolvedValue { return &r.GeneratorEndpoint },
		func(c *fileConfig) string { return c.Generator.Endpoint }},
	{KeyGeneratorModel, "STITCH_GENERATOR_MODEL", "",
		func(r *ResolvedConfig) *ResolvedValue { return &r.GeneratorModel },
		func(c *fileConfig) string { return c.Generator.Model }},
	{KeyGeneratorAPIKey, "STITCH_GENERATOR_API_KEY", "",
		func(r *ResolvedConfig) *ResolvedValue { return &r.GeneratorAPIKey },
		func(c *fileConfig) string { return c.Generator.APIKey }},
	{KeyGeneratorLibrary, "ONNXRUNTIME_LIB", "",
		func(r *ResolvedConfig) *ResolvedValue { return &r.GeneratorLibrary },
		func(c *fileConfig) string { return c.Generator.Library }},
	{KeyGeneratorOutputs, "STITCH_GENERATOR_OUTPUTS", "",
		func(r *ResolvedConfig) *ResolvedValue { return &r.GeneratorOutputs },
		func(c *fileConfig) string { return c.Generator.Outputs }},
	{KeyGeneratorHidden, "STITCH_GENERATOR_HIDDEN_SIZE", "768",
		func(r *ResolvedConfig) *ResolvedValue { return &r.GeneratorHiddenSize },
		func(c *fileConfig) string { return intString(c.Generator.HiddenSize) }},
	{KeyLogLevel, "STITCH_LOG_LEVEL", "info",
		func(r *ResolvedConfig) *ResolvedValue { return &r.LogLevel },
		func(c *fileConfig) string { return c.Log.Level }},
	{KeyLogFile, "STITCH_LOG_FILE", "",
		func(r *ResolvedConfig) *ResolvedValue { return &r.LogFile },
		func(c *fileConfig) string { return c.Log.File }},
}

// Keys lists every configuration key in resolution order.
func Keys() []string {
	keys := make([]string, len(bindings))
	for i, b := range bindings {
		keys[i] = b.key
	}
	return keys
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".stitch", "config.yaml")
}

// ResolveConfig layers built-in defaults, the YAML file, STITCH_*
// environment variables and command-line flags, later layers winning.
func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	known := map[string]bool{}
	for _, b := range bindings {
		known[b.key] = true
		dst := b.field(&out)
		if b.def != "" {
			*dst = ResolvedValue{Value: b.def, Source: SourceDefault, From: "built-in default"}
		}
		if cfg != nil {
			apply(dst, b.file(cfg), SourceConfig, path)
		}
		applyEnv(dst, b.env)
		flag := opts.FlagNames[b.key]
		if flag == "" {
			flag = "--" + b.key
		}
		apply(dst, opts.Flags[b.key], SourceCLI, flag)
	}
	for k := range opts.Flags {
		if !known[k] {
			return out, fault.Config("unknown configuration key %q", k)
		}
	}

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}
	if out.TokenizerVocab.Value != "" {
		out.TokenizerVocab.Value = expandUserPath(out.TokenizerVocab.Value)
	}
	if out.LogFile.Value != "" {
		out.LogFile.Value = expandUserPath(out.LogFile.Value)
	}
	return out, nil
}

// Window returns the validated splitter settings. Every failure is a
// configuration error.
func (r ResolvedConfig) Window() (window.Config, error) {
	cfg := window.Config{
		StartToken: r.StartToken.Value,
		EndToken:   r.EndToken.Value,
	}
	n, err := strconv.Atoi(r.MaxSequenceLength.Value)
	if err != nil {
		return cfg, fault.Config("%s: %q is not an integer (from %s)", KeyMaxSequenceLength, r.MaxSequenceLength.Value, r.MaxSequenceLength.describe())
	}
	f, err := strconv.ParseFloat(r.Overlap.Value, 64)
	if err != nil {
		return cfg, fault.Config("%s: %q is not a number (from %s)", KeyOverlap, r.Overlap.Value, r.Overlap.describe())
	}
	cfg.MaxSequenceLength = n
	cfg.Overlap = f
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Tokenizer returns the tokenizer settings.
func (r ResolvedConfig) Tokenizer() (tokenize.Config, error) {
	lower := true
	if v := r.TokenizerLowercase.Value; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return tokenize.Config{}, fault.Config("%s: %q is not a boolean (from %s)", KeyTokenizerLowercase, v, r.TokenizerLowercase.describe())
		}
		lower = b
	}
	return tokenize.Config{
		Backend:   r.TokenizerBackend.Value,
		Vocab:     r.TokenizerVocab.Value,
		Lowercase: lower,
		Encoding:  r.TokenizerEncoding.Value,
	}, nil
}

// HiddenSize returns the ONNX generator's per-layer vector width.
func (r ResolvedConfig) HiddenSize() (int, error) {
	n, err := strconv.Atoi(r.GeneratorHiddenSize.Value)
	if err != nil || n <= 0 {
		return 0, fault.Config("%s: %q must be a positive integer", KeyGeneratorHidden, r.GeneratorHiddenSize.Value)
	}
	return n, nil
}

// Provider returns the normalized generator provider.
func (r ResolvedConfig) Provider() (string, error) {
	p := strings.ToLower(r.GeneratorProvider.Value)
	switch p {
	case ProviderHTTP, ProviderONNX:
		return p, nil
	default:
		return "", fault.Config("%s: unknown provider %q (valid: %s, %s)", KeyGeneratorProvider, r.GeneratorProvider.Value, ProviderHTTP, ProviderONNX)
	}
}

// Summary renders the resolved settings as YAML for logs and run records.
// Secrets are masked.
func (r ResolvedConfig) Summary() string {
	m := map[string]string{}
	for _, b := range bindings {
		v := b.field(&r).Value
		if v == "" {
			continue
		}
		if b.key == KeyGeneratorAPIKey {
			v = maskSecret(v)
		}
		m[b.key] = v
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(out)
}

// Lookup returns the value bound to key.
func (r ResolvedConfig) Lookup(key string) (ResolvedValue, bool) {
	for _, b := range bindings {
		if b.key == key {
			return *b.field(&r), true
		}
	}
	return ResolvedValue{}, false
}

func (v ResolvedValue) describe() string {
	if v.From == "" {
		return string(v.Source)
	}
	return fmt.Sprintf("%s %s", v.Source, v.From)
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Config("reading %s: %v", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fault.Config("parsing %s: %v", path, err)
	}
	return &cfg, nil
}

func intString(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func floatString(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func boolString(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

func maskSecret(v string) string {
	if len(v) <= 4 {
		return "****"
	}
	return v[:2] + strings.Repeat("*", len(v)-4) + v[len(v)-2:]
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
