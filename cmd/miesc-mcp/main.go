// Command miesc-mcp serves the triage core over the Model Context Protocol
// on stdio.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/miesc-hq/miesc/core/rag/kb"
	"github.com/miesc-hq/miesc/core/registry"
	"github.com/miesc-hq/miesc/server"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("miesc-mcp", flag.ContinueOnError)
	var allowedPaths string
	fs.StringVar(&allowedPaths, "allowed-paths", "", "comma-separated list of allowed workspace paths")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var paths []string
	for _, p := range strings.Split(allowedPaths, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			paths = append(paths, p)
		}
	}

	corpus, err := kb.NewCorpus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load knowledge base: %v\n", err)
		return 2
	}

	reg := registry.New()
	registerAdapters(reg)

	srv := server.New(version, paths, reg, corpus)
	if err := srv.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "error: MCP server failed: %v\n", err)
		return 2
	}
	return 0
}
