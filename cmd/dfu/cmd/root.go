package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	simulator  bool
	forcePlain bool
	vidFlag    string
	pidFlag    string
	altFlag    int
)

var rootCmd = &cobra.Command{
	Use:   "dfu",
	Short: "USB DFU firmware download and upload tool",
	Long: `A firmware update tool for USB DFU 1.1 devices, including the DfuSe
extension used by the STM32 ROM bootloader.

Examples:
  dfu info                                     # Show DFU interfaces and memory layout
  dfu download firmware.bin                    # Flash an image
  dfu download --address 0x08004000 app.bin    # Flash at an explicit address
  dfu upload --max-size 65536 dump.bin         # Read firmware back
  dfu download --simulator firmware.bin        # Dry run against a simulated STM32`,
	Version: "0.9.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&simulator, "simulator", false,
		"talk to a simulated STM32 bootloader instead of hardware")
	rootCmd.PersistentFlags().StringVar(&vidFlag, "vid", "0483", "USB vendor ID (hex)")
	rootCmd.PersistentFlags().StringVar(&pidFlag, "pid", "df11", "USB product ID (hex)")
	rootCmd.PersistentFlags().IntVarP(&altFlag, "alt", "a", 0, "DFU alternate setting to target")
	rootCmd.PersistentFlags().BoolVar(&forcePlain, "force-plain", false,
		"use the plain DFU algorithm even if the interface name looks like DfuSe")
}
