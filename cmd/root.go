/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/blacktop/doh/internal/credentials"
	"github.com/blacktop/doh/internal/dispatch"
	"github.com/blacktop/doh/internal/doh"
	"github.com/blacktop/doh/internal/logutil"
)

var (
	messageFlag     string
	imagePaths      []string
	platformsFlag   []string
	credentialsPath string
	dryRun          bool
	verbose         bool
)

const envCredentials = "DOH_CREDENTIALS"

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8BC34A")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935")).Bold(true)
	nameStyle = lipgloss.NewStyle().Bold(true).Width(10)
	dimStyle  = lipgloss.NewStyle().Faint(true)
)

// newDispatcher is replaced in tests.
var newDispatcher = func(creds credentials.Credentials) *dispatch.Dispatcher {
	return dispatch.New(creds)
}

// Execute runs the root command.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doh [message]",
		Short: "Post once to X, Bluesky, Nostr and Mastodon",
		Long: "doh publishes the same post with up to four images to every configured platform " +
			"and reports a result per platform. Provide the text as an argument, with --message, or on stdin.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logutil.SetVerbose(verbose)
		},
		RunE: runRoot,
		Example: `  doh "hello world" --image ./shot.png
  doh -m "Ship it!" -p x -p nostr
  echo "Release shipped" | doh --platform all`,
	}

	cmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Message text to post")
	cmd.Flags().StringArrayVar(&imagePaths, "image", nil, "Path to an image to attach (repeatable)")
	cmd.Flags().StringSliceVarP(&platformsFlag, "platform", "p", nil, "Platforms to post to (x, bluesky, nostr, mastodon, or all); default is every configured platform")
	cmd.PersistentFlags().StringVar(&credentialsPath, "credentials", "", "Credentials file (.json, .toml or .yaml); defaults to $"+envCredentials+" or the user config dir")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print actions without posting")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	cmd.Flags().SortFlags = false

	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newCompletionCommand())

	return cmd
}

func runRoot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	message, err := resolveMessage(cmd, args)
	if err != nil {
		return err
	}

	creds, err := loadCredentials(credentialsPath)
	if err != nil {
		return err
	}
	d := newDispatcher(creds)

	platforms, err := resolvePlatforms(platformsFlag, d)
	if err != nil {
		return err
	}

	images, err := readImages(imagePaths)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if dryRun {
		for _, name := range platforms {
			fmt.Fprintf(out, "[dry-run] would post to %s: %q\n", name, message)
		}
		for _, path := range imagePaths {
			fmt.Fprintf(out, "[dry-run] image: %s\n", path)
		}
		return nil
	}

	outcomes := d.Dispatch(ctx, message, images, platforms)
	printOutcomes(out, outcomes)

	ok, total := dispatch.Summary(outcomes)
	if ok < total {
		return fmt.Errorf("%d of %d platforms failed", total-ok, total)
	}
	return nil
}

func resolveMessage(cmd *cobra.Command, args []string) (string, error) {
	var message string

	if messageFlag != "" {
		message = messageFlag
	}

	if len(args) > 0 {
		if message != "" {
			return "", errors.New("provide the message either as an argument or with --message, not both")
		}
		message = strings.Join(args, " ")
	}

	if message != "" {
		return strings.TrimSpace(message), nil
	}

	stdin := cmd.InOrStdin()
	if file, ok := stdin.(*os.File); !ok || !term.IsTerminal(int(file.Fd())) {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		message = strings.TrimSpace(string(data))
	}

	if message == "" {
		return "", errors.New("message is required")
	}

	return message, nil
}

// resolvePlatforms returns canonical platform names in the order given,
// without duplicates. No selection means every configured platform.
func resolvePlatforms(values []string, d *dispatch.Dispatcher) ([]string, error) {
	result := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.EqualFold(raw, "all") {
			return append([]string(nil), dispatch.Platforms...), nil
		}
		name, ok := dispatch.Canonical(raw)
		if !ok {
			return nil, fmt.Errorf("unsupported platform %q", raw)
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		result = append(result, name)
	}

	if len(result) == 0 {
		result = d.Configured()
	}
	if len(result) == 0 {
		return nil, errors.New("no platforms configured; run `doh status` to see what is missing")
	}
	return result, nil
}

func readImages(paths []string) ([][]byte, error) {
	images := make([][]byte, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, doh.ValidationError{Provider: "doh", Reason: fmt.Sprintf("image %q not found", path)}
			}
			return nil, fmt.Errorf("read image: %w", err)
		}
		images = append(images, data)
	}
	return images, nil
}

// loadCredentials reads .env, the credentials file and DOH_* overrides.
func loadCredentials(path string) (credentials.Credentials, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logutil.Warnf("load .env: %v", err)
	}

	if path == "" {
		path = strings.TrimSpace(os.Getenv(envCredentials))
	}
	if path == "" {
		path = defaultCredentialsPath()
	}
	logutil.Debugf("credentials file: %q", path)

	creds, err := credentials.Load(path)
	if err != nil {
		return credentials.Credentials{}, err
	}
	creds.ApplyEnv()
	return creds, nil
}

func defaultCredentialsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"credentials.toml", "credentials.yaml", "credentials.yml", "credentials.json"} {
		path := filepath.Join(dir, "doh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func printOutcomes(out io.Writer, outcomes []doh.PostOutcome) {
	for _, o := range outcomes {
		mark := failStyle.Render("✗")
		if o.Success {
			mark = okStyle.Render("✓")
		}
		fmt.Fprintf(out, "%s %s %s\n", mark, nameStyle.Render(o.Platform), o.Detail)
	}
	ok, total := dispatch.Summary(outcomes)
	fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%d/%d platforms succeeded", ok, total)))
}
