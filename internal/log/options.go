package log

import (
	"github.com/spf13/pflag"
)

// Options configures the logger. Field tags match the `log` section of the config file.
type Options struct {
	Name          string   `mapstructure:"name"`
	Level         string   `mapstructure:"level"`
	Format        string   `mapstructure:"format"`
	EnableColor   bool     `mapstructure:"enable-color"`
	DisableCaller bool     `mapstructure:"disable-caller"`
	CallerSkip    int      `mapstructure:"caller-skip"`
	OutputPaths   []string `mapstructure:"output-paths"`
}

// NewOptions returns the defaults: info level, console output to stdout.
func NewOptions() *Options {
	return &Options{
		Level:       "info",
		Format:      "console",
		EnableColor: true,
		CallerSkip:  2, // package-level helpers add one frame on top of zapLogger
		OutputPaths: []string{"stdout"},
	}
}

// AddFlags binds the options to fs under the "log." prefix.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, "log.name", o.Name, "An optional name for the logger.")
	fs.StringVar(&o.Level, "log.level", o.Level, "The minimum log level to output (debug, info, warn, error).")
	fs.StringVar(&o.Format, "log.format", o.Format, "The log output format ('json' or 'console').")
	fs.BoolVar(&o.EnableColor, "log.enable-color", o.EnableColor, "Enable colorized output for the console format.")
	fs.BoolVar(&o.DisableCaller, "log.disable-caller", o.DisableCaller, "Disable the caller field in logs.")
	fs.StringSliceVar(&o.OutputPaths, "log.output-paths", o.OutputPaths, "Log output paths (e.g. 'stdout', '/var/log/cartrack.log').")
}
