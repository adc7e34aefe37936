package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/stackrun/internal/config"
	"github.com/basket/stackrun/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfgp *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	} else {
		cfgp = &cfg
	}

	diag := doctor.Run(ctx, cfgp, Version)

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		fmt.Printf("stackrun doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Println("---")
		for _, res := range diag.Results {
			fmt.Printf("[%s] %-14s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Printf("       %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() {
		return 1
	}
	return 0
}
