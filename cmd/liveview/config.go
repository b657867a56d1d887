package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/PandaDev0069/tuiz-liveview/internal/gameflow"
	"github.com/PandaDev0069/tuiz-liveview/internal/reconcile"
)

type Config struct {
	apiKey     string
	apiURL     string
	bind       string
	flowPoll   time.Duration
	gatewayURL string
	joinBase   string
	podiumHold time.Duration
	port       int
	refresh    time.Duration
	role       string
	tick       time.Duration
	verbose    bool
}

func (c *Config) validate() error {
	if c.apiURL == "" {
		return errors.New("--api-url must not be empty")
	}
	if c.gatewayURL == "" {
		return errors.New("--gateway-url must not be empty")
	}
	if c.role != string(reconcile.RoleSpectator) && c.role != string(reconcile.RoleHost) {
		return fmt.Errorf("invalid role (must be %q or %q): %q", reconcile.RoleSpectator, reconcile.RoleHost, c.role)
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	return nil
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TUIZ_LIVEVIEW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "liveview",
		Short:         "Projector view and host console for live TUIZ quiz rooms.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVar(&cfg.apiKey, "api-key", "", "bearer token for the quiz API (env: TUIZ_LIVEVIEW_API_KEY)")
	fs.StringVar(&cfg.apiURL, "api-url", "http://localhost:4000", "base URL of the quiz REST API (env: TUIZ_LIVEVIEW_API_URL)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: TUIZ_LIVEVIEW_BIND)")
	fs.DurationVar(&cfg.flowPoll, "flow-poll", gameflow.DefaultInterval, "interval between game flow polls (env: TUIZ_LIVEVIEW_FLOW_POLL)")
	fs.StringVar(&cfg.gatewayURL, "gateway-url", "ws://localhost:4000/realtime", "websocket URL of the realtime gateway (env: TUIZ_LIVEVIEW_GATEWAY_URL)")
	fs.StringVar(&cfg.joinBase, "join-base", "https://play.tuiz.app/join", "base URL players join rooms from (env: TUIZ_LIVEVIEW_JOIN_BASE)")
	fs.DurationVar(&cfg.podiumHold, "podium-hold", 10*time.Second, "time the podium stays up before a room retires (env: TUIZ_LIVEVIEW_PODIUM_HOLD)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: TUIZ_LIVEVIEW_PORT)")
	fs.DurationVar(&cfg.refresh, "question-refresh", 5*time.Second, "interval between question data refreshes (env: TUIZ_LIVEVIEW_QUESTION_REFRESH)")
	fs.StringVar(&cfg.role, "role", string(reconcile.RoleSpectator), "room role, spectator or host (env: TUIZ_LIVEVIEW_ROLE)")
	fs.DurationVar(&cfg.tick, "tick", time.Second, "interval between countdown ticks (env: TUIZ_LIVEVIEW_TICK)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: TUIZ_LIVEVIEW_VERBOSE)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("liveview v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
