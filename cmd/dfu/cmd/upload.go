package cmd

import (
	"fmt"
	"os"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfu"
	"github.com/spf13/cobra"
)

var (
	uploadAddress  string
	uploadXferSize int
	uploadMaxSize  int
)

var uploadCmd = &cobra.Command{
	Use:   "upload <output.bin>",
	Short: "Read the device's firmware into a file",
	Long: `Read firmware back from the device. Plain DFU devices send data until
they signal end-of-image; --max-size bounds the read for devices that
never do. On DfuSe devices --address selects where reading starts and
the read is clamped to the readable span of the memory map.

Examples:
  dfu upload dump.bin
  dfu upload --address 0x08000000 --max-size 65536 dump.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVar(&uploadAddress, "address", "",
		"flash address to read from (hex, DfuSe only)")
	uploadCmd.Flags().IntVarP(&uploadXferSize, "transfer-size", "t", 0,
		"bytes per UPLOAD request (0 = use the device's wTransferSize)")
	uploadCmd.Flags().IntVarP(&uploadMaxSize, "max-size", "m", 0,
		"stop after this many bytes (0 = read everything)")
}

func runUpload(cmd *cobra.Command, args []string) error {
	fw, dev, err := openTarget()
	if err != nil {
		return err
	}
	defer dev.Close()

	props, err := dev.Properties()
	if err != nil {
		return err
	}
	if !props.CanUpload {
		return fmt.Errorf("device does not advertise upload support")
	}

	if uploadAddress != "" {
		dfuse, ok := fw.(*dfu.DfuSeDevice)
		if !ok {
			return fmt.Errorf("--address requires a DfuSe device")
		}
		addr, err := parseAddress(uploadAddress)
		if err != nil {
			return err
		}
		dfuse.SetStartAddress(addr)
	}

	data, err := fw.Upload(transferSize(dev, uploadXferSize), uploadMaxSize)
	if err != nil {
		return err
	}
	return os.WriteFile(args[0], data, 0644)
}
