package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "cmd/wsmuxctl/config.toml"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wsmuxctl: %v\n", err)
		os.Exit(1)
	}
}

// options holds the persistent flags; config values are overlaid by any
// flag the user set.
type options struct {
	configPath string
	url        string
	secret     string
	output     string
	codec      string
	noRetry    bool
	timeout    time.Duration

	cfg clientConfig
	out formatter
}

func rootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "wsmuxctl",
		Short:         "Call methods and watch topics on a wsmux server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", defaultConfigPath, "client config file")
	flags.StringVar(&opts.url, "url", "", "server websocket url")
	flags.StringVar(&opts.secret, "secret", "", "shared secret sent in the hello")
	flags.StringVarP(&opts.output, "output", "o", "", "output format: json, yaml or text")
	flags.StringVar(&opts.codec, "codec", "", "wire codec: json or binary")
	flags.BoolVar(&opts.noRetry, "no-retry", false, "fail instead of reconnecting")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-call timeout")
	root.AddCommand(callCmd(opts), watchCmd(opts))
	return root
}
