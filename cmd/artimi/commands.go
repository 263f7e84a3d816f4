package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inukshuk/artimi/internal/image"
	"github.com/inukshuk/artimi/internal/process"
	"github.com/inukshuk/artimi/internal/session"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Transkribus text recognition client",
		Long:          `artimi submits page images to the Transkribus processing API and retrieves the recognized text as ALTO XML.`,
		Version:       serviceVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	flags.StringVar(&a.envFile, "env-file", defaultEnvFile, "Path to dotenv file with credentials")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve health and metrics on this address while running")

	root.AddCommand(
		newProcessCmd(a),
		newStatusCmd(a),
		newAltoCmd(a),
		newModelsCmd(a),
		newLoginCmd(a),
	)

	return root
}

type pollFlags struct {
	interval   time.Duration
	maxRetries int
}

func (f *pollFlags) register(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "Poll interval (default from config)")
	cmd.Flags().IntVar(&f.maxRetries, "max-retries", -1, "Consecutive failed status requests tolerated (default from config)")
}

func (f *pollFlags) options() []session.PollOption {
	var opts []session.PollOption
	if f.interval > 0 {
		opts = append(opts, session.WithInterval(f.interval))
	}
	if f.maxRetries >= 0 {
		opts = append(opts, session.WithMaxRetries(f.maxRetries))
	}
	return opts
}

func newProcessCmd(a *app) *cobra.Command {
	var (
		htrID       int
		lineModelID int
		output      string
		download    bool
		poll        pollFlags
	)

	cmd := &cobra.Command{
		Use:   "process <image>",
		Short: "Recognize the text of an image and print its ALTO XML",
		Long:  `The process command submits an image file or URL for text recognition, waits for the process to finish and writes the resulting ALTO XML.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			img, err := image.Open(ctx, args[0], nil, download)
			if err != nil {
				return err
			}
			if err := img.Validate(); err != nil {
				return fmt.Errorf("invalid image %s: %w", args[0], err)
			}

			if w, h, err := img.Dimensions(); err == nil {
				a.logger.Debug("Image loaded",
					slog.String("format", string(img.Format())),
					slog.Int("width", w),
					slog.Int("height", h),
				)
			}

			var job session.JobConfig
			if htrID > 0 {
				job.TextRecognition = &session.TextRecognition{HTRID: htrID}
			}
			if lineModelID > 0 {
				job.LineDetection = &session.LineDetection{ModelID: lineModelID}
			}

			p, err := a.session.Submit(ctx, img, job)
			if err != nil {
				return fmt.Errorf("failed to submit image: %w", err)
			}
			a.tracker.Track(p)

			alto, err := a.session.Alto(ctx, p, poll.options()...)
			if err != nil {
				return fmt.Errorf("process %s: %w", p.ID(), err)
			}

			return a.write(output, alto)
		},
	}

	cmd.Flags().IntVar(&htrID, "htr-id", 0, "Text recognition model id")
	cmd.Flags().IntVar(&lineModelID, "line-model-id", 0, "Custom line detection model id")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write ALTO XML to this file instead of stdout")
	cmd.Flags().BoolVar(&download, "download", false, "Download remote images and submit their data")
	poll.register(cmd)

	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <process-id>",
		Short: "Print the current status of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.session.Status(cmd.Context(), process.ID(args[0]))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"processId": p.ID(),
				"status":    p.Status(),
				"content":   p.Content(),
			})
		},
	}
}

func newAltoCmd(a *app) *cobra.Command {
	var (
		output string
		poll   pollFlags
	)

	cmd := &cobra.Command{
		Use:   "alto <process-id>",
		Short: "Wait for a submitted process and print its ALTO XML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := process.New(process.ID(args[0]))
			a.tracker.Track(p)

			alto, err := a.session.Alto(cmd.Context(), p, poll.options()...)
			if err != nil {
				return fmt.Errorf("process %s: %w", p.ID(), err)
			}
			return a.write(output, alto)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write ALTO XML to this file instead of stdout")
	poll.register(cmd)

	return cmd
}

func newModelsCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the public text recognition models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := a.session.PublicModels(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				raw := make([]json.RawMessage, 0, len(models))
				for _, m := range models {
					raw = append(raw, m.Raw)
				}
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(raw)
			}

			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tLANGUAGE")
			for _, m := range models {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", m.ModelID, m.Name, m.Language)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full model records as JSON")
	return cmd
}

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Check the configured credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.session.Login(cmd.Context()); err != nil {
				return err
			}

			tokens := a.session.TokenSet()
			fmt.Fprintf(a.out, "Logged in as %s, token valid until %s\n",
				a.cfg.User, tokens.Expiry().Format(time.RFC3339))
			return nil
		},
	}
}

func (a *app) write(path, data string) error {
	if path == "" {
		_, err := io.WriteString(a.out, data)
		return err
	}

	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	a.logger.Info("ALTO written", slog.String("path", path))
	return nil
}
