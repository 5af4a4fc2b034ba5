// Package properties implements the flat key/value property sets used to
// configure communicators and hosted services.
//
// Keys are case sensitive and dot separated, e.g. IceBox.Service.Hello.
// Setting a key to an empty value removes it. Property sets can be filled from
// configuration files (see Load) and from command line options of the form
// --<Prefix>.<Key>=<Value> (see ParseCommandLineOptions).
package properties

import (
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// ConfigKey holds the comma separated list of loaded configuration files.
	ConfigKey = "Ice.Config"
	// ProgramNameKey is used as a log attribute to tell services apart.
	ProgramNameKey = "Ice.ProgramName"
)

// reserved prefixes are consumed by ParseIceCommandLineOptions
var reservedPrefixes = []string{"Ice", "IceBox"}

// Properties is a set of string properties safe for concurrent use.
// The zero value is not usable, use New or Create.
type Properties struct {
	mx    sync.RWMutex
	props map[string]string
}

func New() *Properties {
	return &Properties{props: make(map[string]string)}
}

// FromMap returns a property set initialized with m. Empty values are skipped.
func FromMap(m map[string]string) *Properties {
	p := New()
	for k, v := range m {
		p.Set(k, v)
	}
	return p
}

// Get returns a property value or an empty string
func (p *Properties) Get(key string) string {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return p.props[key]
}

func (p *Properties) GetWithDefault(key, dflt string) string {
	p.mx.RLock()
	defer p.mx.RUnlock()
	if v, ok := p.props[key]; ok {
		return v
	}
	return dflt
}

func (p *Properties) GetAsInt(key string) int {
	return p.GetAsIntWithDefault(key, 0)
}

// GetAsIntWithDefault returns dflt when the key is not set or its value
// is not an integer.
func (p *Properties) GetAsIntWithDefault(key string, dflt int) int {
	v := p.Get(key)
	if v == "" {
		return dflt
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("property is not an integer: using default", "key", key, "value", v, "default", dflt)
		return dflt
	}
	return i
}

// GetAsBool accepts everything strconv.ParseBool does. Positive integers are
// true as well, so that "2" keeps working for settings like
// IceBox.UseSharedCommunicator.<name>.
func (p *Properties) GetAsBool(key string) bool {
	v := strings.TrimSpace(p.Get(key))
	if v == "" {
		return false
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i > 0
	}
	slog.Warn("property is not a boolean: using false", "key", key, "value", v)
	return false
}

func (p *Properties) GetAsDuration(key string, dflt time.Duration) time.Duration {
	v := strings.TrimSpace(p.Get(key))
	if v == "" {
		return dflt
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("property is not a duration: using default", "key", key, "value", v, "default", dflt)
		return dflt
	}
	return d
}

// GetAsList splits the value on whitespace and commas.
func (p *Properties) GetAsList(key string) []string {
	return SplitList(p.Get(key))
}

// GetForPrefix returns a copy of all properties whose key starts with prefix.
// An empty prefix returns every property.
func (p *Properties) GetForPrefix(prefix string) map[string]string {
	p.mx.RLock()
	defer p.mx.RUnlock()
	ret := make(map[string]string)
	for k, v := range p.props {
		if strings.HasPrefix(k, prefix) {
			ret[k] = v
		}
	}
	return ret
}

// Keys returns all keys in sorted order
func (p *Properties) Keys() []string {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return slices.Sorted(maps.Keys(p.props))
}

// Set stores a property. An empty value removes the key.
func (p *Properties) Set(key, value string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	p.mx.Lock()
	defer p.mx.Unlock()
	if value == "" {
		delete(p.props, key)
		return
	}
	p.props[key] = value
}

func (p *Properties) Clone() *Properties {
	p.mx.RLock()
	defer p.mx.RUnlock()
	return &Properties{props: maps.Clone(p.props)}
}

// ParseCommandLineOptions converts every --<prefix>.<key>[=<value>] argument
// to a property and returns the remaining arguments. An option without a value
// is set to "1".
func (p *Properties) ParseCommandLineOptions(prefix string, args []string) []string {
	pfx := prefix
	if pfx != "" && !strings.HasSuffix(pfx, ".") {
		pfx += "."
	}
	pfx = "--" + pfx

	rest := make([]string, 0, len(args))
	for _, arg := range args {
		if !strings.HasPrefix(arg, pfx) {
			rest = append(rest, arg)
			continue
		}
		line := arg[2:]
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			value = "1"
		}
		p.Set(key, strings.TrimSpace(value))
	}
	return rest
}

// ParseIceCommandLineOptions parses the options of all reserved prefixes
// (--Ice.*, --IceBox.*).
func (p *Properties) ParseIceCommandLineOptions(args []string) []string {
	for _, prefix := range reservedPrefixes {
		args = p.ParseCommandLineOptions(prefix, args)
	}
	return args
}

// Create returns a clone of defaults (or an empty set) with configuration files
// named by --Ice.Config=<file>[,<file>] loaded and reserved command line options
// applied, in this order. The consumed arguments are removed from the returned
// slice.
func Create(args []string, defaults *Properties) (*Properties, []string, error) {
	var p *Properties
	if defaults != nil {
		p = defaults.Clone()
	} else {
		p = New()
	}

	var configFiles string
	rest := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == "--"+ConfigKey || strings.HasPrefix(arg, "--"+ConfigKey+"=") {
			_, configFiles, _ = strings.Cut(arg, "=")
			continue
		}
		rest = append(rest, arg)
	}

	if configFiles != "" {
		for _, path := range SplitList(configFiles) {
			if err := p.Load(path); err != nil {
				return nil, nil, err
			}
		}
		p.Set(ConfigKey, configFiles)
	}

	return p, p.ParseIceCommandLineOptions(rest), nil
}

// SplitList splits a string on whitespace and commas, dropping empty items.
func SplitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
}
