package cli

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"nutrisync/internal/domain"
)

type decodeOptions struct {
	encode   bool
	raw      uint16
	unitCode uint8
	stable   bool
	long     bool
}

// NewDecodeCommand creates the decode command used during device bring-up.
func NewDecodeCommand() *cobra.Command {
	opts := &decodeOptions{}
	cmd := &cobra.Command{
		Use:   "decode [hex]",
		Short: "Decode a scale frame, or build one with --encode",
		Long: `Decode a raw BLE scale frame and print the reading as JSON.

With --encode, build a frame from --raw, --unit-code, --stable and --long
and print its hex form instead.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.encode {
				return runEncode(cmd, opts)
			}
			if len(args) != 1 {
				return fmt.Errorf("decode requires a hex frame")
			}
			reading, err := domain.DecodePacket(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reading)
		},
	}
	cmd.Flags().BoolVar(&opts.encode, "encode", false, "build a frame instead of decoding one")
	cmd.Flags().Uint16Var(&opts.raw, "raw", 0, "raw weight field")
	cmd.Flags().Uint8Var(&opts.unitCode, "unit-code", 1, "unit code (low nibble of the control byte)")
	cmd.Flags().BoolVar(&opts.stable, "stable", true, "set the stable flag")
	cmd.Flags().BoolVar(&opts.long, "long", false, "build a 20-byte frame")
	return cmd
}

func runEncode(cmd *cobra.Command, opts *decodeOptions) error {
	spec := domain.FrameSpec{Length: domain.ShortFrameLen, Stable: opts.stable, UnitCode: opts.unitCode, Raw: opts.raw}
	if opts.long {
		spec.Length = domain.LongFrameLen
	}
	frame, err := domain.EncodeFrame(spec)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(frame))
	return err
}
