// Package mountopts parses the overlay's command line (spec.md §6):
// the backing directory and mount point as positional arguments,
// followed by host-dispatch-layer options and the overlay's one
// recognized "-o append_only_dirs=CSV" option (plus the supplemented
// "-o checksum_mode=...", "-o append_open=...",
// "-o exclusive_writers=..." options from SPEC_FULL.md §12), which are
// consumed here and stripped from the argument vector before the rest
// is forwarded to the host dispatch layer.
package mountopts

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
)

// ChecksumMode selects whole-file vs block-indexed digesting.
type ChecksumMode string

const (
	ChecksumWhole ChecksumMode = "whole"
	ChecksumBlock ChecksumMode = "block"
)

// AppendOpenMode selects strict vs relaxed verify-on-append-open
// behavior (spec.md §9 Open Question).
type AppendOpenMode string

const (
	AppendOpenStrict  AppendOpenMode = "strict"
	AppendOpenRelaxed AppendOpenMode = "relaxed"
)

// Config is the immutable mount-context value assembled from argv,
// replacing the source's global mutable state (spec.md §9).
type Config struct {
	BackingDir string
	MountPoint string

	AppendOnlyDirs   []string
	ChecksumMode     ChecksumMode
	AppendOpen       AppendOpenMode
	ExclusiveWriters bool

	// HostArgs are the remaining arguments, with our recognized
	// options stripped, to forward to the host dispatch layer.
	HostArgs []string

	Debug bool
}

// optKeyRE matches the start of a new "key=" token inside a
// comma-joined -o value. A token that doesn't match this continues
// the previous key's value: this is how a single "-o
// append_only_dirs=logs,archive/2024" is told apart from "-o
// append_only_dirs=logs,checksum_mode=block".
var optKeyRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// splitOptionBag splits one -o argument into ordered key/value pairs.
func splitOptionBag(raw string) []struct{ key, val string } {
	parts := strings.Split(raw, ",")
	var out []struct{ key, val string }
	for _, part := range parts {
		if optKeyRE.MatchString(part) || len(out) == 0 {
			kv := strings.SplitN(part, "=", 2)
			key := kv[0]
			val := ""
			if len(kv) == 2 {
				val = kv[1]
			}
			out = append(out, struct{ key, val string }{key, val})
			continue
		}
		// Continuation of the previous key's CSV value.
		last := &out[len(out)-1]
		last.val += "," + part
	}
	return out
}

// Parse parses argv (conventionally os.Args[1:]) into a Config. argv
// must contain at least two positional arguments: backing_dir and
// mount_point. Recognized "-o" options are consumed. HostArgs receives
// the positional arguments after mount_point, followed by every "-o"
// option not recognized here as a "-o", "name[=value]" pair. Flags
// other than -o and -v are not accepted: Parse returns an error for
// them instead of placing them in HostArgs.
func Parse(argv []string) (*Config, error) {
	cfg := &Config{
		ChecksumMode:     ChecksumWhole,
		AppendOpen:       AppendOpenStrict,
		ExclusiveWriters: true,
	}

	fs := flag.NewFlagSet("chkoverlayfs", flag.ContinueOnError)
	fs.SetInterspersed(true)
	optBags := fs.StringArrayP("option", "o", nil, "comma-separated mount options")
	debug := fs.BoolP("verbose", "v", false, "enable debug logging")
	if err := fs.Parse(argv); err != nil {
		return nil, errors.Wrap(err, "parsing arguments")
	}
	cfg.Debug = *debug

	positional := fs.Args()
	if len(positional) < 2 {
		return nil, fmt.Errorf("usage: chkoverlayfs <backing_dir> <mount_point> [host-fs options...] [-o append_only_dirs=CSV]")
	}
	cfg.BackingDir = positional[0]
	cfg.MountPoint = positional[1]
	cfg.HostArgs = append([]string(nil), positional[2:]...)

	for _, bag := range *optBags {
		for _, pair := range splitOptionBag(bag) {
			if err := applyOption(cfg, pair.key, pair.val); err != nil {
				return nil, err
			}
		}
	}

	return cfg, nil
}

func applyOption(cfg *Config, key, val string) error {
	switch key {
	case "append_only_dirs":
		cfg.AppendOnlyDirs = normalizeDirs(val)
	case "checksum_mode":
		switch ChecksumMode(val) {
		case ChecksumWhole, ChecksumBlock:
			cfg.ChecksumMode = ChecksumMode(val)
		default:
			return fmt.Errorf("unrecognized checksum_mode %q", val)
		}
	case "append_open":
		switch AppendOpenMode(val) {
		case AppendOpenStrict, AppendOpenRelaxed:
			cfg.AppendOpen = AppendOpenMode(val)
		default:
			return fmt.Errorf("unrecognized append_open %q", val)
		}
	case "exclusive_writers":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("unrecognized exclusive_writers %q: %w", val, err)
		}
		cfg.ExclusiveWriters = b
	default:
		// Not one of ours: forward verbatim for the host dispatch
		// layer to interpret.
		if val == "" {
			cfg.HostArgs = append(cfg.HostArgs, "-o", key)
		} else {
			cfg.HostArgs = append(cfg.HostArgs, "-o", key+"="+val)
		}
	}
	return nil
}

// normalizeDirs turns a CSV of directory names into absolute virtual
// prefixes: a leading "/" is prepended if absent, and empty entries
// are ignored (spec.md §6).
func normalizeDirs(csv string) []string {
	var out []string
	for _, name := range strings.Split(csv, ",") {
		if name == "" {
			continue
		}
		if !strings.HasPrefix(name, "/") {
			name = "/" + name
		}
		out = append(out, name)
	}
	return out
}
