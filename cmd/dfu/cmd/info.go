package cmd

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceDFU/pkg/dfu"
	"github.com/OpenTraceLab/OpenTraceDFU/pkg/memmap"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the device's DFU interfaces and capabilities",
	Long: `List every DFU-capable alternate setting the device exposes, its
capability flags from the functional descriptor, and the decoded
memory layout for DfuSe interfaces.`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	transport, err := newTransport()
	if err != nil {
		return err
	}
	probe := dfu.NewDevice(transport, dfu.InterfaceSettings{Configuration: 1})
	if err := probe.Open(); err != nil {
		return err
	}
	defer probe.Close()

	desc, err := probe.ReadDeviceDescriptor()
	if err != nil {
		return err
	}
	fmt.Printf("Device %04X:%04X (USB %x.%02x)\n",
		desc.VendorID, desc.ProductID, desc.USBVersion>>8, desc.USBVersion&0xFF)

	found, err := probe.DfuInterfaces()
	if err != nil {
		return err
	}

	for _, settings := range found {
		fmt.Printf("\n  %s\n", settings)

		dev := dfu.NewDevice(transport, settings)
		props, err := dev.Properties()
		if err != nil {
			fmt.Printf("    no functional descriptor: %v\n", err)
		} else {
			fmt.Printf("    download=%v upload=%v manifestation-tolerant=%v will-detach=%v\n",
				props.CanDnload, props.CanUpload, props.ManifestationTolerant, props.WillDetach)
			fmt.Printf("    transfer-size=%d detach-timeout=%dms dfu-version=0x%04X\n",
				props.TransferSize, props.DetachTimeout, props.DFUVersion)
		}

		mem, err := memmap.Parse(settings.Name)
		if err != nil {
			continue // not a DfuSe interface
		}
		fmt.Printf("    memory %q:\n", mem.Name)
		for _, seg := range mem.Segments {
			fmt.Printf("      %s\n", &seg)
		}
	}
	return nil
}
