package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/smazurov/capturenode/internal/avlib"
	"github.com/smazurov/capturenode/internal/avlib/astiavlib"
	"github.com/smazurov/capturenode/internal/hwaccel"
	"github.com/spf13/cobra"
)

// CreateHWAccelsCmd creates the hwaccels command.
func CreateHWAccelsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "hwaccels",
		Short: "List hardware accelerators",
		Long:  `Lists the hardware decode accelerators monitors can request and whether the linked libav build supports each.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return PrintHWAccels(cmd.OutOrStdout(), astiavlib.New(), hwaccel.Known(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")

	return cmd
}

// PrintHWAccels writes the accelerator statuses of lib to w.
func PrintHWAccels(w io.Writer, lib avlib.Library, registry *hwaccel.Registry, asJSON bool) error {
	statuses := registry.Statuses(lib)

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tAVAILABLE\tDEVICE\tDECODERS")
	for _, st := range statuses {
		device := st.DefaultDevice
		if device == "" {
			device = "-"
		}
		decoders := strings.Join(st.Decoders, ",")
		if decoders == "" {
			decoders = "-"
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", st.Name, st.Available, device, decoders)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if others := unregistered(lib, registry); len(others) > 0 {
		fmt.Fprintf(w, "\nAlso compiled in: %s\n", strings.Join(others, ", "))
	}
	return nil
}

// unregistered lists device types lib supports that the registry does not describe.
func unregistered(lib avlib.Library, registry *hwaccel.Registry) []string {
	var out []string
	for _, t := range lib.HardwareDeviceTypes() {
		if _, ok := registry.Find(string(t)); !ok {
			out = append(out, string(t))
		}
	}
	return out
}
