package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/paperless-ocr/internal/apperr"
	"github.com/sells-group/paperless-ocr/internal/config"
	"github.com/sells-group/paperless-ocr/internal/output"
	"github.com/sells-group/paperless-ocr/internal/pipeline"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// apiHTTPClient replaces the default API transport when set.
var apiHTTPClient *http.Client

var supportedShells = []string{"bash", "zsh", "fish", "powershell"}

type rootFlags struct {
	file        string
	apiKey      string
	apiBaseURL  string
	configPath  string
	completions string
	json        bool
	verbose     bool

	// secret is the resolved API key, kept for redaction.
	secret string
}

func (f *rootFlags) formatter(stdout, stderr io.Writer) *output.Formatter {
	return &output.Formatter{
		JSON:    f.json,
		Stdout:  stdout,
		Stderr:  stderr,
		Secrets: []string{f.apiKey, f.secret},
	}
}

func newRootCmd(stdout, stderr io.Writer) (*cobra.Command, *rootFlags) {
	f := &rootFlags{}

	cmd := &cobra.Command{
		Use:     "paperless-ocr [file]",
		Short:   "Extract text from PDF and image files with Mistral AI OCR",
		Long:    "Uploads a PDF, PNG, or JPEG file to the Mistral AI API, runs OCR on it, and prints the extracted text. Configuration is read from config.toml, PAPERLESS_OCR_* environment variables, and flags.",
		Version: version,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 1 {
				return apperr.Newf(apperr.Validation, "Expected at most one file argument, got %d", len(args))
			}
			return nil
		},
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.completions != "" {
				return writeCompletion(cmd, f.completions, stdout)
			}
			return runOCR(cmd.Context(), cmd, f, args, stdout, stderr)
		},
	}

	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate("paperless-ocr {{.Version}}\n")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return apperr.New(apperr.Validation, err.Error())
	})

	flags := cmd.Flags()
	flags.StringVarP(&f.file, "file", "f", "", "Path to the PDF or image file to process")
	flags.StringVarP(&f.apiKey, "api-key", "a", "", "Mistral AI API key (or PAPERLESS_OCR_API_KEY)")
	flags.StringVar(&f.apiBaseURL, "api-base-url", "", "Mistral AI API base URL (default "+config.DefaultAPIBaseURL+")")
	flags.StringVar(&f.configPath, "config", "", "Path to a configuration file")
	flags.BoolVar(&f.json, "json", false, "Output the result as JSON")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "Enable verbose logging to stderr")
	flags.StringVar(&f.completions, "completions", "", "Generate a shell completion script (bash, zsh, fish, powershell)")
	flags.BoolP("version", "V", false, "Print version information")

	_ = cmd.RegisterFlagCompletionFunc("completions", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return supportedShells, cobra.ShellCompDirectiveNoFileComp
	})
	_ = cmd.RegisterFlagCompletionFunc("config", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{"toml"}, cobra.ShellCompDirectiveFilterFileExt
	})

	return cmd, f
}

func runOCR(ctx context.Context, cmd *cobra.Command, f *rootFlags, args []string, stdout, stderr io.Writer) error {
	path := f.file
	if len(args) == 1 {
		if path != "" && path != args[0] {
			return apperr.New(apperr.Validation, "Specify the file either with --file or as an argument, not both")
		}
		path = args[0]
	}
	if path == "" {
		return apperr.New(apperr.Validation, "File path is required for OCR processing")
	}

	var ov config.Overrides
	if cmd.Flags().Changed("api-key") {
		if strings.TrimSpace(f.apiKey) == "" {
			return apperr.New(apperr.Config, "API key cannot be empty")
		}
		ov.APIKey = &f.apiKey
	}
	if cmd.Flags().Changed("api-base-url") {
		if strings.TrimSpace(f.apiBaseURL) == "" {
			return apperr.New(apperr.Config, "API base URL cannot be empty")
		}
		ov.APIBaseURL = &f.apiBaseURL
	}

	cfg, err := config.Load(f.configPath, ov)
	if err != nil {
		return err
	}
	f.secret = cfg.APIKey

	undo, err := config.InitLogger(cfg.Log(f.verbose), stderr)
	if err != nil {
		return err
	}
	defer undo()
	defer zap.L().Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []pipeline.Option{pipeline.WithUserAgent("paperless-ocr/" + version)}
	if apiHTTPClient != nil {
		opts = append(opts, pipeline.WithHTTPClient(apiHTTPClient))
	}

	zap.L().Debug("starting ocr run",
		zap.String("file", path),
		zap.Bool("json", f.json),
		zap.String("version", version),
	)
	res, err := pipeline.New(cfg, opts...).Run(ctx, path)
	if err != nil {
		return err
	}
	return f.formatter(stdout, stderr).Render(output.Success(res))
}

func writeCompletion(cmd *cobra.Command, shell string, w io.Writer) error {
	switch strings.ToLower(shell) {
	case "bash":
		return cmd.GenBashCompletionV2(w, true)
	case "zsh":
		return cmd.GenZshCompletion(w)
	case "fish":
		return cmd.GenFishCompletion(w, true)
	case "powershell", "ps1":
		return cmd.GenPowerShellCompletionWithDesc(w)
	}
	return apperr.Newf(apperr.Config, "Unsupported shell: %s. Supported shells: %s", shell, strings.Join(supportedShells, ", "))
}

// execute runs the CLI and returns the process exit code. Failures are
// rendered here so that every error path, flag parsing included, produces
// the same envelope.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, f := newRootCmd(stdout, stderr)
	if len(args) == 0 {
		_ = cmd.Help()
		return 0
	}

	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	// --json may not have been parsed when flag parsing itself failed.
	if !f.json && slices.Contains(args, "--json") {
		f.json = true
	}
	if rerr := f.formatter(stdout, stderr).Render(output.Failure(err)); rerr != nil {
		_, _ = io.WriteString(stderr, "Error: "+rerr.Error()+"\n")
	}
	return apperr.ExitCode(err)
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}
