package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lsm/ingest/internal/config"
	"github.com/lsm/ingest/internal/rules"
	kafkasource "github.com/lsm/ingest/internal/source/kafka"
)

const validateUsage = `Usage: ingest validate [--config <path>] [path...]

Validates job definition files: the source descriptor, field kinds, dataset,
outputs and record rules. With no paths, validates --config, INGEST_CONFIG or
./job.yaml.`

// RunValidate validates job definition files.
func RunValidate(args []string, w io.Writer) error {
	if w == nil {
		w = os.Stdout
	}
	if isHelp(args) {
		fmt.Fprintln(w, validateUsage)
		return nil
	}

	var paths []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config":
			i++
		case strings.HasPrefix(args[i], "--"):
			return fmt.Errorf("unknown flag: %s", args[i])
		default:
			paths = append(paths, args[i])
		}
	}
	if len(paths) == 0 {
		path, err := configPath(args)
		if err != nil {
			return err
		}
		paths = []string{path}
	}

	failed := 0
	for _, path := range paths {
		summary, err := validateFile(path)
		if err != nil {
			failed++
			fmt.Fprintf(w, "%s: INVALID\n", path)
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Fprintf(w, "    %s\n", line)
			}
			continue
		}
		fmt.Fprintf(w, "%s: ok\n%s", path, summary)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d job definition(s) invalid", failed, len(paths))
	}
	return nil
}

func validateFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	def, err := config.Parse(data)
	if err != nil {
		return "", err
	}
	set, err := rules.Compile(def.Rules)
	if err != nil {
		return "", err
	}

	desc, _ := def.SourceDescriptor()
	var b strings.Builder
	fmt.Fprintf(&b, "    job:      %s\n", def.Name)
	fmt.Fprintf(&b, "    source:   %s://%s/%s\n", desc.Kind(), strings.Join(desc.Endpoints(), ","), desc.StreamID())
	fmt.Fprintf(&b, "    group:    %s\n", kafkasource.ConsumerGroupID(def.Name))
	fmt.Fprintf(&b, "    dataset:  %s v%d\n", def.Dataset.Name, def.Dataset.Version)
	fmt.Fprintf(&b, "    fields:   %d\n", len(def.Fields))
	fmt.Fprintf(&b, "    rules:    %d\n", set.Len())
	fmt.Fprintf(&b, "    success:  %s\n", def.Outputs.SuccessTopic)
	fmt.Fprintf(&b, "    failure:  %s\n", def.FailureTopic())
	return b.String(), nil
}
