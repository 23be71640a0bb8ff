// Command runtimectl is the operator control tool: it issues emergency
// commands through the command file and queries the runtime's health and
// statistics endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"trade_runtime/pkg/cli"
	resilient "trade_runtime/pkg/http"
)

var (
	addrFlag = flag.String("addr", "http://127.0.0.1:9100", "Runtime metrics server address")
	fileFlag = flag.String("file", "emergency_command.txt", "Emergency command file path")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: runtimectl [flags] <subcommand>

Subcommands:
  command <NAME>   write an emergency command (EMERGENCY_STOP,
                   CLOSE_ALL_POSITIONS, DISABLE_TRADING, ENABLE_TRADING)
  health           print the runtime health report
  stats            print ledger statistics

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "command":
		if len(args) < 2 {
			err = fmt.Errorf("command requires a name")
			break
		}
		err = writeCommand(args[1], *fileFlag)
	case "health":
		err = query("/health")
	case "stats":
		err = query("/statistics")
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "runtimectl: %v\n", err)
		os.Exit(1)
	}
}

func writeCommand(command, path string) error {
	normalized, err := cli.ValidateCommand(command)
	if err != nil {
		return err
	}
	if err := cli.ValidateInput(path); err != nil {
		return fmt.Errorf("command file path: %w", err)
	}
	if err := os.WriteFile(path, []byte(normalized+"\n"), 0o644); err != nil {
		return fmt.Errorf("write command file: %w", err)
	}
	fmt.Printf("wrote %s to %s\n", normalized, path)
	return nil
}

func query(path string) error {
	client := resilient.NewClient(*addrFlag, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	body, err := client.Get(ctx, path, nil)
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}
