package main

import (
	"github.com/miesc-hq/miesc/core/adapter"
	"github.com/miesc-hq/miesc/core/registry"
)

// registerAdapters registers every built-in adapter. Each adapter reports
// itself unavailable at status time if its underlying binary isn't on
// PATH, so registering all of them unconditionally is safe even when only
// some are installed.
func registerAdapters(reg *registry.Registry) {
	reg.Register(adapter.NewSlitherDetector())
	reg.Register(adapter.NewEchidnaFuzzer())
	reg.Register(adapter.NewMythrilAnalyzer())
}
