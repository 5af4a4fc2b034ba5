package icebox

import (
	"fmt"
	"strings"

	"github.com/mattn/go-shellwords"
)

// PartitionArgs splits a service definition into its entry point and base
// arguments using shell quoting rules, then appends every server argument
// scoped to the service (--<service>.*).
func PartitionArgs(service, definition string, serverArgs []string) (string, []string, error) {
	if strings.TrimSpace(definition) == "" {
		return "", nil, &ConfigurationError{Reason: "empty definition for service " + service}
	}

	p := shellwords.NewParser()
	tokens, err := p.Parse(definition)
	if err != nil {
		return "", nil, &ConfigurationError{Reason: "invalid definition for service " + service, Err: err}
	}
	if p.Position != -1 {
		return "", nil, &ConfigurationError{
			Reason: "invalid definition for service " + service,
			Err:    fmt.Errorf("unexpected shell operator at position %d", p.Position),
		}
	}
	if len(tokens) == 0 {
		return "", nil, &ConfigurationError{Reason: "empty definition for service " + service}
	}

	args := tokens[1:]
	prefix := "--" + service + "."
	for _, arg := range serverArgs {
		if strings.HasPrefix(arg, prefix) {
			args = append(args, arg)
		}
	}
	return tokens[0], args, nil
}
