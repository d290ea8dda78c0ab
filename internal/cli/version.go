package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/ir"
)

// VersionInfo is the output of the version command.
type VersionInfo struct {
	Tool   string `json:"tool"`
	Format string `json:"format"`
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("lockstep %s (record format %s)", v.Tool, v.Format)
}

// NewVersionCommand creates the version command.
func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "version",
		Short:         "Print the tool and record format versions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newFormatter(cmd, rootOpts).Success(VersionInfo{
				Tool:   ir.ToolVersion,
				Format: ir.FormatVersion,
			})
		},
	}
}
