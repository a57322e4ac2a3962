package cmd

import (
	"fmt"
	"os"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfu"
	"github.com/spf13/cobra"
)

var (
	downloadAddress  string
	downloadXferSize int
	forceDownload    bool
)

var downloadCmd = &cobra.Command{
	Use:   "download <firmware.bin>",
	Short: "Write a firmware image to the device",
	Long: `Write a raw firmware image to the device and drive it through
manifestation. On DfuSe devices the target range is erased first and
--address selects where the image lands; plain DFU devices decide the
destination themselves.

Examples:
  dfu download firmware.bin
  dfu download --address 0x08004000 --transfer-size 1024 app.bin
  dfu download --simulator firmware.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().StringVar(&downloadAddress, "address", "",
		"target flash address (hex, DfuSe only)")
	downloadCmd.Flags().IntVarP(&downloadXferSize, "transfer-size", "t", 0,
		"bytes per DNLOAD request (0 = use the device's wTransferSize)")
	downloadCmd.Flags().BoolVar(&forceDownload, "force", false,
		"write even if the device does not advertise download support")
}

func runDownload(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	fw, dev, err := openTarget()
	if err != nil {
		return err
	}
	defer dev.Close()

	props, err := dev.Properties()
	if err != nil {
		return err
	}
	if !props.CanDnload && !forceDownload {
		return fmt.Errorf("device does not advertise download support (use --force to override)")
	}

	if downloadAddress != "" {
		dfuse, ok := fw.(*dfu.DfuSeDevice)
		if !ok {
			return fmt.Errorf("--address requires a DfuSe device")
		}
		addr, err := parseAddress(downloadAddress)
		if err != nil {
			return err
		}
		dfuse.SetStartAddress(addr)
	}

	return fw.Download(transferSize(dev, downloadXferSize), data, props.ManifestationTolerant)
}
