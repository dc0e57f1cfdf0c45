package main

import (
	"fmt"
	"strings"

	"github.com/hurttlocker/stitch/internal/config"
)

// configFlags maps command-line flags to configuration keys.
var configFlags = map[string]string{
	"--db":          config.KeyDBPath,
	"--max-seq":     config.KeyMaxSequenceLength,
	"--overlap":     config.KeyOverlap,
	"--start-token": config.KeyStartToken,
	"--end-token":   config.KeyEndToken,
	"--tokenizer":   config.KeyTokenizerBackend,
	"--vocab":       config.KeyTokenizerVocab,
	"--encoding":    config.KeyTokenizerEncoding,
	"--generator":   config.KeyGeneratorProvider,
	"--endpoint":    config.KeyGeneratorEndpoint,
	"--model":       config.KeyGeneratorModel,
	"--library":     config.KeyGeneratorLibrary,
	"--outputs":     config.KeyGeneratorOutputs,
	"--hidden-size": config.KeyGeneratorHidden,
	"--log-level":   config.KeyLogLevel,
	"--log-file":    config.KeyLogFile,
}

// cliArgs is the parsed form of a subcommand's arguments.
type cliArgs struct {
	positional []string
	configPath string
	verbose    bool
	overrides  map[string]string // config key -> value
	flagNames  map[string]string // config key -> flag
	values     map[string]string // command-specific value flags
	bools      map[string]bool   // command-specific switches
}

// parseArgs accepts "--flag value" and "--flag=value". Global flags
// (--config, --verbose and every config flag) are allowed for all commands;
// valueFlags and boolFlags list the command's own flags.
func parseArgs(args []string, valueFlags, boolFlags []string) (*cliArgs, error) {
	out := &cliArgs{
		overrides: map[string]string{},
		flagNames: map[string]string{},
		values:    map[string]string{},
		bools:     map[string]bool{},
	}
	isValue := map[string]bool{"--config": true}
	for _, f := range valueFlags {
		isValue[f] = true
	}
	for f := range configFlags {
		isValue[f] = true
	}
	isBool := map[string]bool{"--verbose": true, "-v": true, "--no-lowercase": true}
	for _, f := range boolFlags {
		isBool[f] = true
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			out.positional = append(out.positional, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			out.positional = append(out.positional, arg)
			continue
		}

		name, value, hasValue := strings.Cut(arg, "=")
		switch {
		case isBool[name]:
			if hasValue {
				return nil, fmt.Errorf("flag %s takes no value", name)
			}
			switch name {
			case "--verbose", "-v":
				out.verbose = true
			case "--no-lowercase":
				out.overrides[config.KeyTokenizerLowercase] = "false"
				out.flagNames[config.KeyTokenizerLowercase] = name
			default:
				out.bools[name] = true
			}
		case isValue[name]:
			if !hasValue {
				if i+1 >= len(args) {
					return nil, fmt.Errorf("flag %s requires a value", name)
				}
				i++
				value = args[i]
			}
			if key, ok := configFlags[name]; ok {
				out.overrides[key] = value
				out.flagNames[key] = name
			} else if name == "--config" {
				out.configPath = value
			} else {
				out.values[name] = value
			}
		default:
			return nil, fmt.Errorf("unknown flag: %s", name)
		}
	}
	return out, nil
}

// resolve loads the layered configuration with this command's overrides.
func (a *cliArgs) resolve() (config.ResolvedConfig, error) {
	return config.ResolveConfig(config.ResolveOptions{
		ConfigPath: a.configPath,
		Flags:      a.overrides,
		FlagNames:  a.flagNames,
	})
}
