package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/warrant/pkg/builtin"
	"github.com/Mindburn-Labs/warrant/pkg/capability"
	"github.com/Mindburn-Labs/warrant/pkg/config"
)

// runSchemaCmd prints the schema export for the built-in capabilities
// plus an optional catalog, in registration order.
func runSchemaCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("schema", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var catalog string
	cmd.StringVar(&catalog, "catalog", "", "Path to a YAML capability catalog")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	reg := capability.NewRegistry()
	handlers := make(map[string]capability.Handler)
	for _, c := range builtin.Capabilities(reg, builtin.Deps{}) {
		if err := reg.Register(c); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		handlers[c.ID] = c.Handler
	}
	if catalog != "" {
		cat, err := config.LoadCatalog(catalog)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		if err := cat.Register(reg, handlers); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}
	reg.Seal()

	entries, err := reg.ExportSchema()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return 2
	}
	return 0
}
