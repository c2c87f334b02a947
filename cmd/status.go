package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blacktop/doh/internal/dispatch"
	"github.com/blacktop/doh/internal/doh"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which platforms are configured and ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := loadCredentials(credentialsPath)
			if err != nil {
				return err
			}
			d := newDispatcher(creds)
			out := cmd.OutOrStdout()

			for _, name := range dispatch.Platforms {
				if err := creds.NotConfigured(name); err != nil {
					detail := "not configured"
					var nc doh.NotConfiguredError
					if errors.As(err, &nc) && len(nc.Fields) > 0 {
						detail += " (missing " + strings.Join(nc.Fields, ", ") + ")"
					}
					fmt.Fprintf(out, "%s %s %s\n", failStyle.Render("✗"), nameStyle.Render(name), detail)
					continue
				}

				p, ok := d.Adapter(name)
				if ok && p.IsAuthenticated(cmd.Context()) {
					fmt.Fprintf(out, "%s %s %s\n", okStyle.Render("✓"), nameStyle.Render(name), "ready")
					continue
				}
				fmt.Fprintf(out, "%s %s %s\n", failStyle.Render("✗"), nameStyle.Render(name), "configured but not usable")
			}
			return nil
		},
	}
}
