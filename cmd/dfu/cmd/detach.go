package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var detachTimeout int

var detachCmd = &cobra.Command{
	Use:   "detach",
	Short: "Ask a run-time DFU interface to reboot into its bootloader",
	Long: `Send DFU_DETACH to a device running its application firmware. A device
that advertises bAttributes.bitWillDetach drops off the bus on its own
and re-enumerates as a DFU-mode bootloader; the command waits for that
removal.`,
	RunE: runDetach,
}

func init() {
	rootCmd.AddCommand(detachCmd)

	detachCmd.Flags().IntVar(&detachTimeout, "timeout", 1000,
		"wDetachTimeOut to request, in milliseconds")
}

func runDetach(cmd *cobra.Command, args []string) error {
	_, dev, err := openTarget()
	if err != nil {
		return err
	}
	defer dev.Close()

	// Capabilities must be read before DFU_DETACH: a WillDetach device
	// can drop off the bus as soon as the request lands.
	props, err := dev.Properties()
	if err != nil {
		return err
	}

	if err := dev.Detach(uint16(detachTimeout)); err != nil {
		return err
	}
	if !props.WillDetach {
		fmt.Println("detach requested; device needs a manual reset to enter DFU mode")
		return nil
	}

	if err := dev.WaitDisconnected(time.Duration(detachTimeout) * time.Millisecond); err != nil {
		return err
	}
	fmt.Println("device detached")
	return nil
}
