package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/makkenzo/activation-platform/internal/fingerprint"
	"go.uber.org/zap"
)

func main() {
	verbose := flag.Bool("v", false, "Print the collected machine characteristics")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			log.Fatalf("Failed to initialize logger: %v", err)
		}
	}

	collector := fingerprint.NewCollector(logger)
	if *verbose {
		enc := json.NewEncoder(os.Stderr)
		enc.SetIndent("", "  ")
		if err := enc.Encode(collector.Collect()); err != nil {
			log.Fatalf("Failed to print machine info: %v", err)
		}
	}

	fmt.Println(collector.Generate())
}
