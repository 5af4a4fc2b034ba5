package properties

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mprops "github.com/magiconair/properties"
	"gopkg.in/yaml.v3"
)

// Load reads a configuration file into p. Files ending in .yaml or .yml are
// decoded as YAML, where nested mappings are joined with dots; everything else
// is read as a Java style .properties file. ${} references are not expanded.
func (p *Properties) Load(path string) error {
	var (
		loaded map[string]string
		err    error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		loaded, err = loadYAML(path)
	default:
		loaded, err = loadProperties(path)
	}
	if err != nil {
		return fmt.Errorf("loading config file %s: %w", path, err)
	}
	for k, v := range loaded {
		p.Set(k, v)
	}
	return nil
}

func loadProperties(path string) (map[string]string, error) {
	l := &mprops.Loader{
		Encoding:         mprops.UTF8,
		DisableExpansion: true,
	}
	mp, err := l.LoadFile(path)
	if err != nil {
		return nil, err
	}
	ret := make(map[string]string, mp.Len())
	for _, key := range mp.Keys() {
		v, _ := mp.Get(key)
		ret[key] = v
	}
	return ret, nil
}

func loadYAML(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	ret := make(map[string]string)
	flatten("", doc, ret)
	return ret, nil
}

func flatten(prefix string, v any, out map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, vv := range t {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, vv, out)
		}
	case []any:
		items := make([]string, 0, len(t))
		for _, item := range t {
			items = append(items, fmt.Sprint(item))
		}
		out[prefix] = strings.Join(items, " ")
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(t)
	}
}
