package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iuriikogan/rlm-sandbox/internal/app"
)

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [query...]",
		Short: "Run one session and print the answer",
		Long: `Run one session over a document. The document is read from --context-file,
or from stdin when it is piped. Without a query the default question is asked.`,
		Example: `
# Ask about a file
rlm ask -f report.txt "Which quarter had the highest revenue?"

# Pipe the document and print the whole session
cat log.txt | rlm ask --json "How many requests failed?"
`,
		RunE: runAsk,
	}
	cmd.Flags().StringP("context-file", "f", "", "file holding the document")
	cmd.Flags().Int("max-iterations", 0, "override the iteration budget")
	cmd.Flags().Bool("json", false, "print the full session result as JSON")
	return cmd
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	maxIter, _ := cmd.Flags().GetInt("max-iterations")
	if maxIter < 0 {
		return errors.New("--max-iterations must not be negative")
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	query := strings.TrimSpace(strings.Join(args, " "))
	contextText, err := readContext(cmd)
	if err != nil {
		return err
	}
	if contextText == "" {
		if query == "" {
			return errors.New("no query or document provided")
		}
		contextText = query
	}

	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, runErr := a.Engine.WithMaxIterations(maxIter).Completion(cmd.Context(), query, contextText)
	if res == nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else if res.Answer != nil {
		printf(out, "%s\n", res.Answer.String())
	}
	if runErr != nil {
		printf(cmd.ErrOrStderr(), "session %s failed after %d iterations: %v\n", res.SessionID, res.Iterations, runErr)
		return runErr
	}
	return nil
}

func readContext(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Flags().GetString("context-file")
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading context file: %w", err)
		}
		return string(data), nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		info, err := f.Stat()
		if err != nil || info.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return string(data), nil
}
