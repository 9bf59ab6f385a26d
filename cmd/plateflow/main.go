package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/reeflab/plateflow/internal/daemon"
	"github.com/reeflab/plateflow/internal/model"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "check-config":
		runCheckConfig(os.Args[2:])
	case "version":
		fmt.Printf("plateflow %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "plateflow.yaml", "path to the daemon configuration file")
	fs.Parse(args)

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runCheckConfig(args []string) {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	configPath := fs.String("config", "plateflow.yaml", "path to the daemon configuration file")
	fs.Parse(args)

	if _, err := model.LoadConfig(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config ok")
}

func printUsage() {
	fmt.Println(`plateflow - imaging pipeline orchestrator

Usage:
  plateflow serve [-config plateflow.yaml]   Run the orchestrator daemon
  plateflow check-config [-config path]      Validate a configuration file
  plateflow version                          Print version
  plateflow help                             Show this help`)
}
