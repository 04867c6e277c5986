// Command agentsim runs the kAFL agent against an emulated host: replay
// feeds it input files, fuzz drives it with a small mutation loop.
package main

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// options are the run settings, from flags, AGENTSIM_* variables or the
// config file, in that order of precedence.
type options struct {
	BufferSize  uint32 `mapstructure:"buffer_size"`
	MemorySize  uint64 `mapstructure:"memory_size"`
	Store       string `mapstructure:"store"`
	Dump        string `mapstructure:"dump"`
	DumpDir     string `mapstructure:"dump_dir"`
	ExitAtEOF   bool   `mapstructure:"exit_at_eof"`
	ElementSize uint32 `mapstructure:"element_size"`
	TraceRange  bool   `mapstructure:"trace_range"`
	ShowState   bool   `mapstructure:"show_state"`
	HostLog     bool   `mapstructure:"host_log"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Workers int `mapstructure:"workers"`

	Iterations int    `mapstructure:"iterations"`
	Seed       int64  `mapstructure:"seed"`
	MaxSize    int    `mapstructure:"max_size"`
	CrashDir   string `mapstructure:"crash_dir"`
}

func (o *options) validate() error {
	if o.Workers < 1 {
		return errors.Errorf("workers must be positive, got %d", o.Workers)
	}
	switch o.Store {
	case "memory", "variable":
	default:
		return errors.Errorf("unknown store %q, want memory or variable", o.Store)
	}
	if _, err := dumpFlags(o.Dump); err != nil {
		return err
	}
	return nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(fl *pflag.Flag) {
		_ = v.BindPFlag(strings.ReplaceAll(fl.Name, "-", "_"), fl)
	})
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("AGENTSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	var cfgFile string

	loadOptions := func() (options, error) {
		var opts options
		if err := v.Unmarshal(&opts); err != nil {
			return opts, errors.Wrap(err, "decode options")
		}
		return opts, opts.validate()
	}

	root := &cobra.Command{
		Use:           "agentsim",
		Short:         "Run the kAFL agent against an emulated host",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
			} else {
				v.SetConfigName("agentsim")
				v.AddConfigPath(".")
			}
			if err := v.ReadInConfig(); err != nil {
				var notFound viper.ConfigFileNotFoundError
				if cfgFile != "" || !errors.As(err, &notFound) {
					return errors.Wrap(err, "read config")
				}
			}
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./agentsim.yaml)")
	pf.Uint32("buffer-size", 4096, "payload buffer size advertised by the host")
	pf.Uint64("memory-size", 16<<20, "guest memory size")
	pf.String("store", "memory", "agent state store: memory or variable")
	pf.String("dump", "", "dump mode requested in every payload: observed, stats or callers")
	pf.String("dump-dir", "", "directory for files the agent dumps")
	pf.Bool("exit-at-eof", true, "finish the iteration when the input runs dry")
	pf.Uint32("element-size", 1, "release penalty per missing input byte")
	pf.Bool("trace-range", false, "submit a trace range during boot")
	pf.Bool("show-state", false, "print the agent state to the host log")
	pf.Bool("host-log", false, "print the host log after each iteration")
	pf.String("metrics-addr", "", "serve prometheus metrics on this address")
	bindFlags(v, pf)

	replayCmd := &cobra.Command{
		Use:   "replay [flags] input...",
		Short: "Run each input file as one fuzz iteration",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions()
			if err != nil {
				return err
			}
			summary, err := replay(cmd.Context(), opts, args, logrus.StandardLogger())
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), summary)
		},
	}
	replayCmd.Flags().Int("workers", 1, "parallel emulated hosts")
	bindFlags(v, replayCmd.Flags())

	fuzzCmd := &cobra.Command{
		Use:   "fuzz [flags] [seed...]",
		Short: "Mutate inputs and keep those that reach new outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions()
			if err != nil {
				return err
			}
			report, err := fuzz(cmd.Context(), opts, args, logrus.StandardLogger())
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), report)
		},
	}
	ff := fuzzCmd.Flags()
	ff.Int("iterations", 1000, "number of guest iterations")
	ff.Int64("seed", 1, "random seed")
	ff.Int("max-size", 4096, "largest input the fuzzer creates")
	ff.String("crash-dir", "", "directory for inputs that crash the guest")
	bindFlags(v, ff)

	root.AddCommand(replayCmd, fuzzCmd)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("agentsim failed")
		os.Exit(1)
	}
}
