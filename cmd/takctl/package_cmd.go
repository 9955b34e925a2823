package main

import (
	"flag"
	"fmt"
	"os"

	"takserver/internal/config"
	"takserver/internal/infra/blob"
	"takserver/internal/infra/bundles"
	"takserver/internal/infra/ca"

	"github.com/google/uuid"
)

func runPackageBuild(args []string) int {
	fs := flag.NewFlagSet("package build", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var commonName string
	var server string
	var outPath string
	fs.StringVar(&commonName, "cn", "", "client certificate common name")
	fs.StringVar(&server, "server", "", "server address written into the preferences")
	fs.StringVar(&outPath, "out", "", "output zip path (default <cn>_DP.zip)")

	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg := config.FromEnv()
	if server == "" {
		server = cfg.ServerAddress
	}
	if commonName == "" || server == "" {
		fmt.Fprintln(os.Stderr, "package build requires --cn and --server (or SERVER_ADDRESS)")
		return 1
	}

	authority, err := ca.NewFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load ca: %v\n", err)
		return 1
	}
	cred, err := authority.Issue(commonName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue certificate: %v\n", err)
		return 1
	}
	builder := &bundles.Builder{
		CACertificate: authority.Certificate(),
		Password:      authority.Password(),
		StreamingPort: cfg.SSLStreamingPort,
	}
	filename, data, err := builder.Bundle(uuid.NewString(), commonName, server, cred)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build package: %v\n", err)
		return 1
	}
	if outPath == "" {
		outPath = filename
	}
	if err := os.WriteFile(outPath, data, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "write package: %v\n", err)
		return 1
	}
	ref, err := blob.Digest(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "digest package: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s\nhash: %s\ncid: %s\nserial: %s\n", outPath, ref.Hash, ref.CID, cred.SerialNumber)
	return 0
}
