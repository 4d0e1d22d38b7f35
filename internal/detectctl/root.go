package detectctl

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Config carries the persistent CLI settings.
type Config struct {
	Addr   string
	LogLvl string
}

func defaultAddr() string {
	if v := os.Getenv("DETECTD_ADDR"); v != "" {
		if !strings.Contains(v, "://") {
			return "http://" + v
		}
		return v
	}
	return "http://127.0.0.1:8085"
}

// buildRootCmdWith constructs the Cobra command tree wired to a Client.
func buildRootCmdWith(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "detectctl",
		Short:         "Control and inspect a running detectd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags -> Config
	root.PersistentFlags().String("addr", cfg.Addr, "Base URL of the detectd API (defaults DETECTD_ADDR or http://127.0.0.1:8085)")
	root.PersistentFlags().String("log-level", cfg.LogLvl, "Log level: debug|info|warn|error")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if f := cmd.InheritedFlags().Lookup("addr"); f != nil {
			if v := f.Value.String(); v != "" {
				cfg.Addr = v
			}
		}
		if f := cmd.InheritedFlags().Lookup("log-level"); f != nil {
			if v := f.Value.String(); v != "" {
				cfg.LogLvl = v
			}
		}
		if lvl, err := zerolog.ParseLevel(cfg.LogLvl); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
	}

	client := func() *Client { return NewClient(strings.TrimRight(cfg.Addr, "/")) }

	statusCmd := &cobra.Command{Use: "status", Short: "Show pipeline, resource and model-cache status", RunE: func(cmd *cobra.Command, args []string) error {
		st, err := client().Status(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "pipeline:\t%s\n", st.Pipeline.State)
		fmt.Fprintf(w, "captured:\t%d\n", st.Pipeline.FramesCaptured)
		fmt.Fprintf(w, "dropped:\t%d\n", st.Pipeline.FramesDropped)
		fmt.Fprintf(w, "published:\t%d\n", st.Pipeline.ResultsPublished)
		fmt.Fprintf(w, "cache hits:\t%d\n", st.Pipeline.CacheHits)
		fmt.Fprintf(w, "target fps:\t%.1f\n", st.Pipeline.TargetFPS)
		fmt.Fprintf(w, "thermal:\t%s\n", st.Resource.Thermal)
		fmt.Fprintf(w, "memory pressure:\t%.2f\n", st.Resource.MemoryPressure)
		if st.Resource.Degraded {
			fmt.Fprintf(w, "resource monitor:\tdegraded\n")
		}
		fmt.Fprintf(w, "model cache:\t%d/%d MB, %d evictions\n", st.UsedMB, st.BudgetMB, st.EvictionsTotal)
		fmt.Fprintf(w, "uptime:\t%ds\n", st.UptimeSeconds)
		for _, h := range st.Handles {
			fmt.Fprintf(w, "handle:\t%s@%s %dMB inflight=%d\n", h.ModelID, h.Version, h.FootprintMB, h.InFlight)
		}
		return w.Flush()
	}}

	modelsCmd := &cobra.Command{Use: "models", Short: "List discoverable model artifacts", RunE: func(cmd *cobra.Command, args []string) error {
		models, err := client().Models(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tVERSION\tSHAPE\tMB\tLABELS")
		for _, m := range models {
			fmt.Fprintf(w, "%s\t%s\t%dx%dx%d\t%d\t%d\n",
				m.ID, m.Version, m.InputShape[0], m.InputShape[1], m.InputShape[2], m.FootprintMB, len(m.Labels))
		}
		return w.Flush()
	}}

	detectCmd := &cobra.Command{Use: "detect <image-file>", Short: "Classify a single image through POST /detect", Args: cobra.ExactArgs(1),
		Example: "  detectctl detect snapshot.jpg", RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client().Detect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if resp.BelowThreshold || resp.Result == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no detection above threshold")
				return nil
			}
			r := resp.Result
			fmt.Fprintf(cmd.OutOrStdout(), "%s %.3f (model %s, quality %s, %s)\n",
				r.Label, r.Confidence, r.ModelID, r.Quality, r.Processing)
			return nil
		}}

	watchCmd := &cobra.Command{Use: "watch", Short: "Stream live detection events from GET /detections", RunE: func(cmd *cobra.Command, args []string) error {
		return client().Watch(cmd.Context(), cmd.OutOrStdout())
	}}

	startCmd := &cobra.Command{Use: "start", Short: "Start the capture pipeline", RunE: func(cmd *cobra.Command, args []string) error {
		return client().StartPipeline(cmd.Context())
	}}
	stopCmd := &cobra.Command{Use: "stop", Short: "Stop the capture pipeline", RunE: func(cmd *cobra.Command, args []string) error {
		return client().StopPipeline(cmd.Context())
	}}

	invalidateCmd := &cobra.Command{Use: "invalidate <model-id>", Short: "Drop a cached model handle and force a reload", Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Invalidate(cmd.Context(), args[0])
		}}

	root.AddCommand(statusCmd, modelsCmd, detectCmd, watchCmd, startCmd, stopCmd, invalidateCmd)

	// completion command
	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(os.Stdout) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(os.Stdout, true) }})
	completionCmd.AddCommand(&cobra.Command{Use: "powershell", Short: "PowerShell completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenPowerShellCompletionWithDesc(os.Stdout) }})
	root.AddCommand(completionCmd)

	return root
}

// MainWithArgs runs the CLI against the given args and returns an exit code.
func MainWithArgs(args []string) int {
	cfg := &Config{Addr: defaultAddr(), LogLvl: "info"}
	root := buildRootCmdWith(cfg)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}

// Main is the entrypoint used by cmd/detectctl.
func Main() int { return MainWithArgs(os.Args[1:]) }
