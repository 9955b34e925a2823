package main

import (
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"takserver/internal/config"
	"takserver/internal/infra/ca"
)

func runCAInit(args []string) int {
	fs := flag.NewFlagSet("ca init", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg := config.FromEnv()
	cfg.CAAutoInit = true
	authority, err := ca.NewFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init ca: %v\n", err)
		return 1
	}
	cert := authority.Certificate()
	sum := sha256.Sum256(cert.Raw)
	fmt.Printf("folder: %s\n", cfg.CAFolder)
	fmt.Printf("subject: %s\n", cert.Subject.String())
	fmt.Printf("not_after: %s\n", cert.NotAfter.UTC().Format("2006-01-02T15:04:05Z"))
	fmt.Printf("sha256: %s\n", hex.EncodeToString(sum[:]))
	return 0
}
