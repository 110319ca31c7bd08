package main

import (
	"fmt"
	"os"

	"github.com/lsm/ingest/internal/cli"
)

const usage = `ingest - operator toolkit for Kafka ingestion jobs

Usage:
  ingest <command> [arguments]

Commands:
  validate [path...]    Validate job definition files
  decode                Decode one payload the way the job would
  produce               Encode and produce test rows to the source topic
  lag                   Show the job's consumer group lag
  failures              Tail the job's failure topic

Every command reads the job definition from --config, INGEST_CONFIG or
./job.yaml. Run 'ingest <command> -h' for help on a specific command.`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		return nil
	}

	switch os.Args[1] {
	case "validate":
		return cli.RunValidate(os.Args[2:], nil)
	case "decode":
		return cli.RunDecode(os.Args[2:], nil)
	case "produce":
		return cli.RunProduce(os.Args[2:], nil)
	case "lag":
		return cli.RunLag(os.Args[2:], nil)
	case "failures":
		return cli.RunFailures(os.Args[2:], nil)
	case "-h", "--help", "help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\nRun 'ingest help' for usage", os.Args[1])
	}
}
