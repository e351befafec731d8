package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/modernjs-estimator/internal/client"
	"github.com/JakeFAU/modernjs-estimator/internal/config"
	"github.com/JakeFAU/modernjs-estimator/internal/estimator"
)

type checkOptions struct {
	server string
	asJSON bool
}

func newCheckCmd() *cobra.Command {
	opts := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check <url>",
		Short: "Estimates modern JS savings for a page using a running service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "", "estimator service URL (overrides client.server_url)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the final view as JSON")
	return cmd
}

func runCheck(cmd *cobra.Command, opts *checkOptions, input string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	serverURL := rt.cfg.Client.ServerURL
	if opts.server != "" {
		serverURL = opts.server
	}
	api, err := client.NewAPI(serverURL, nil, rt.logger)
	if err != nil {
		return err
	}
	ctrl, err := client.NewController(api, client.ControllerConfig{
		Retry: client.RetryPolicy{
			Attempts: rt.cfg.Client.RetryAttempts,
			Backoff:  config.Millis(rt.cfg.Client.RetryBackoffMs),
			Timeout:  config.Seconds(rt.cfg.Client.TimeoutSeconds),
		},
		Logger: rt.logger,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx := cmd.Context()
	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	gen := ctrl.Submit(ctx, input)
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		reportProgress(updates, gen, ctrl.InFlight, cmd.ErrOrStderr())
	}()

	view, err := ctrl.Wait(ctx, gen)
	unsubscribe()
	<-progressDone
	if err != nil {
		return fmt.Errorf("check %s: %w", input, err)
	}
	if view.State == client.StateFailed {
		return fmt.Errorf("check %s: %s", view.Input, view.Err)
	}
	rt.logger.Debug("check complete", zap.String("url", view.URL), zap.Int("scripts", len(view.Scripts)))

	if opts.asJSON {
		return writeViewJSON(cmd.OutOrStdout(), view)
	}
	return writeViewTable(cmd.OutOrStdout(), view)
}

// reportProgress prints one line per distinct resolved count until the
// subscription ends.
func reportProgress(updates <-chan client.View, gen uint64, inflight func() int, w io.Writer) {
	last := -1
	for v := range updates {
		if v.Generation != gen || v.State != client.StatePartial {
			continue
		}
		done := 0
		for _, s := range v.Scripts {
			if s.Final {
				done++
			}
		}
		if done != last {
			last = done
			fmt.Fprintf(w, "modernized %d/%d scripts, %d in flight\n", done, len(v.Scripts), inflight())
		}
	}
}

func writeViewTable(w io.Writer, v client.View) error {
	fmt.Fprintf(w, "%s\n\n", v.URL)
	if len(v.Scripts) == 0 {
		fmt.Fprintln(w, "No JavaScript detected.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCRIPT\tSIZE\tMODERN\tSAVING")
	for _, s := range v.Scripts {
		switch {
		case s.Error != "":
			fmt.Fprintf(tw, "%s\t%s\t-\terror: %s\n", basename(s.URL), client.HumanBytes(s.Size.Raw), s.Error)
		case s.ModernSize != nil:
			row := client.Summarize([]client.ScriptView{s})
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\n", basename(s.URL),
				client.HumanBytes(s.Size.Raw), client.HumanBytes(s.ModernSize.Raw), client.Percent(row.RawDiff()))
		default:
			fmt.Fprintf(tw, "%s\t%s\t-\t-\n", basename(s.URL), client.HumanBytes(s.Size.Raw))
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write table: %w", err)
	}

	agg := v.Aggregate
	fmt.Fprintf(w, "\nThis site would be %d%% faster with Modern JavaScript.\n", client.Percent(agg.RawDiff()))
	fmt.Fprintf(w, "Ships %s (%s compressed); modern JS would ship %s (%s compressed).\n",
		client.HumanBytes(agg.Size.Raw), client.HumanBytes(agg.Size.Gz),
		client.HumanBytes(agg.ModernSize.Raw), client.HumanBytes(agg.ModernSize.Gz))
	if agg.Webpack {
		fmt.Fprintln(w, "Looks like a webpack bundle: OptimizePlugin can ship modern JS with little effort.")
	}
	if client.Percent(agg.GzDiff()) <= 5 {
		fmt.Fprintln(w, "Expecting more savings? Check for data or CSS bundled into the JavaScript.")
	}
	return nil
}

type viewJSON struct {
	URL        string         `json:"url"`
	Scripts    []scriptJSON   `json:"scripts"`
	Size       estimator.Size `json:"size"`
	ModernSize estimator.Size `json:"modernSize"`
	Diff       map[string]int `json:"diff"`
	Webpack    bool           `json:"webpack"`
	Logs       []string       `json:"logs,omitempty"`
}

type scriptJSON struct {
	URL        string          `json:"url"`
	Size       estimator.Size  `json:"size"`
	ModernSize *estimator.Size `json:"modernSize,omitempty"`
	Error      string          `json:"error,omitempty"`
	Token      string          `json:"token,omitempty"`
}

func writeViewJSON(w io.Writer, v client.View) error {
	out := viewJSON{
		URL:        v.URL,
		Scripts:    make([]scriptJSON, 0, len(v.Scripts)),
		Size:       v.Aggregate.Size,
		ModernSize: v.Aggregate.ModernSize,
		Diff:       map[string]int{"raw": client.Percent(v.Aggregate.RawDiff()), "gz": client.Percent(v.Aggregate.GzDiff())},
		Webpack:    v.Aggregate.Webpack,
		Logs:       v.Aggregate.Logs,
	}
	for _, s := range v.Scripts {
		out.Scripts = append(out.Scripts, scriptJSON{
			URL:        s.URL,
			Size:       s.Size,
			ModernSize: s.ModernSize,
			Error:      s.Error,
			Token:      s.Token,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode view: %w", err)
	}
	return nil
}

func basename(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return raw
	}
	return path.Base(u.Path)
}
