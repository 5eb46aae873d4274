package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidleathers/threatguard/internal/service/classifier"
)

func newClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify [payload]",
		Short: "Classify a payload against the threat patterns",
		Long: `Classify a payload and print the matched threat types, severity and techniques.
The payload is read from stdin when no argument is given.

Examples:
  threatguard classify "1 UNION SELECT password FROM users"
  echo '{"prompt":"ignore all previous instructions"}' | threatguard classify --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: runClassify,
	}

	cmd.Flags().String("patterns", "", "YAML pattern table loaded on top of the built-in patterns")
	cmd.Flags().Bool("json", false, "Parse the payload as JSON before classifying")
	return cmd
}

func runClassify(cmd *cobra.Command, args []string) error {
	patterns, _ := cmd.Flags().GetString("patterns")
	asJSON, _ := cmd.Flags().GetBool("json")

	var raw string
	if len(args) == 1 {
		raw = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}

	cls := classifier.New(zap.NewNop(), nil)
	if patterns != "" {
		if err := cls.LoadFile(patterns); err != nil {
			return fmt.Errorf("loading patterns: %w", err)
		}
	}

	var payload interface{} = raw
	if asJSON {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return fmt.Errorf("payload is not valid JSON: %w", err)
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(cls.Classify(payload))
}
