package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "nuggetzone",
	Short: "nuggetzone runs unsigned code on the iPod Nano 7G",
	Long: `Dumps the bootrom of an iPod Nano 7G and runs a customized RetailOS on it,
by switching the device from DFU into a defanged WTF mode.

Nothing is ever written to the device's persistent storage. Rebooting the
device returns it to stock.

nuggetzone comes with ABSOLUTELY NO WARRANTY. This is free software, and you
are welcome to redistribute it under certain conditions; see COPYING file
accompanying distribution for details.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},
}

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	pf := rootCmd.PersistentFlags()
	pf.BoolP("verbose", "v", false, "Enable verbose debug logging")
	pf.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/nuggetzone/config.yaml)")
	pf.String("cache-dir", "", "Directory to keep downloaded and derived payloads in (default: $XDG_DATA_HOME/nuggetzone)")
	pf.String("edk2-wasm", "", "Path to edk2.wasm, required for Tiano compression")
	pf.String("mirror", "", "URL of a mirror to download IPSWs from instead of Apple's CDN")
	pf.String("jingle-url", "", "Override URL of the iTunes version document")
	pf.String("device", "", "Preselect device by bus:address")
	pf.StringP("kind", "k", "n7g", "Expected kind of device")
	pf.Bool("accept", false, "Accept the disclaimer without prompting")
	if err := viper.BindPFlags(pf); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	dumpCmd.Flags().BoolVar(&dumpNoSave, "no-save", false, "Only dump, do not save to a file")
	prepareCmd.Flags().BoolVar(&prepareList, "list", false, "List payload kinds and exit")
	imageWrapCmd.Flags().StringVarP(&imageEntrypoint, "entrypoint", "e", "0x0", "Entrypoint offset for image")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(prepareCmd)
	tianoCmd.AddCommand(tianoCompressCmd)
	tianoCmd.AddCommand(tianoDecompressCmd)
	rootCmd.AddCommand(tianoCmd)
	rootCmd.AddCommand(devicesCmd)
	imageCmd.AddCommand(imageInfoCmd)
	imageCmd.AddCommand(imageWrapCmd)
	rootCmd.AddCommand(imageCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}

// loadConfig merges the config file and environment into the flags, and sets
// up logging.
func loadConfig() error {
	if p := viper.GetString("config"); p != "" {
		viper.SetConfigFile(p)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(filepath.Join(xdg.ConfigHome, "nuggetzone"))
	}
	viper.SetEnvPrefix("NUGGETZONE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("could not read config: %w", err)
		}
	} else {
		slog.Debug("Loaded config", "path", viper.ConfigFileUsed())
	}

	if viper.GetBool("verbose") {
		slog.SetLogLoggerLevel(slog.LevelDebug)
		// Library packages log through glog.
		flag.Set("logtostderr", "true")
	}
	return nil
}

func parseNumber(s string) (uint32, error) {
	var err error
	var res uint64
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		res, err = strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid number")
		}
	} else {
		res, err = strconv.ParseUint(s, 10, 32)
		if err != nil {
			res, err = strconv.ParseUint(s, 16, 32)
			if err != nil {
				return 0, fmt.Errorf("invalid number")
			}
		}
	}
	return uint32(res), nil
}
