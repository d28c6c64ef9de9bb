package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	autoProgress   bool
	bind           string
	familyFriendly bool
	lieTimeout     time.Duration
	narratorKey    string
	narratorModel  string
	narratorURL    string
	persona        string
	playerTimeout  time.Duration
	port           int
	prefix         string
	profile        bool
	sessionTimeout time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
	voteTimeout    time.Duration

	// Resolved from persona during validate().
	narratorPersona persona
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.lieTimeout <= 0 || c.voteTimeout <= 0 {
		return errors.New("--lie-timeout and --vote-timeout must be positive")
	}

	p, ok := personaByID(strings.ToLower(c.persona))
	if !ok {
		ids := make([]string, 0, len(personas))
		for id := range personas {
			ids = append(ids, id)
		}
		return fmt.Errorf("unknown persona %q (available: %s)", c.persona, strings.Join(ids, ", "))
	}
	c.narratorPersona = p

	if c.narratorKey != "" && !strings.HasPrefix(c.narratorURL, "ws://") && !strings.HasPrefix(c.narratorURL, "wss://") {
		return fmt.Errorf("invalid narrator url (must be ws:// or wss://): %s", c.narratorURL)
	}

	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TRIVIABOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "triviabox",
		Short:         "A Fibbage-style trivia party game with an AI narrator, packed in a single webapp.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.BoolVar(&cfg.autoProgress, "auto-progress", true, "advance narrated phases automatically (env: TRIVIABOX_AUTO_PROGRESS)")
	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: TRIVIABOX_BIND)")
	fs.BoolVar(&cfg.familyFriendly, "family-friendly", true, "keep narration family-friendly (env: TRIVIABOX_FAMILY_FRIENDLY)")
	fs.DurationVar(&cfg.lieTimeout, "lie-timeout", 45*time.Second, "time players have to submit a lie (env: TRIVIABOX_LIE_TIMEOUT)")
	fs.StringVar(&cfg.narratorKey, "narrator-key", "", "api key for the narration service; empty disables narration (env: TRIVIABOX_NARRATOR_KEY)")
	fs.StringVar(&cfg.narratorModel, "narrator-model", defaultNarrationModel, "model requested from the narration service (env: TRIVIABOX_NARRATOR_MODEL)")
	fs.StringVar(&cfg.narratorURL, "narrator-url", defaultNarrationURL, "websocket endpoint of the narration service (env: TRIVIABOX_NARRATOR_URL)")
	fs.StringVar(&cfg.persona, "persona", "quill", "narrator persona (env: TRIVIABOX_PERSONA)")
	fs.DurationVar(&cfg.playerTimeout, "player-timeout", 10*time.Minute, "grace period before disconnected players are removed (env: TRIVIABOX_PLAYER_TIMEOUT)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: TRIVIABOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: TRIVIABOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: TRIVIABOX_PROFILE)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle rooms are ended (env: TRIVIABOX_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: TRIVIABOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: TRIVIABOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: TRIVIABOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: TRIVIABOX_VERSION)")
	fs.DurationVar(&cfg.voteTimeout, "vote-timeout", 25*time.Second, "time players have to vote (env: TRIVIABOX_VOTE_TIMEOUT)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("triviabox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
