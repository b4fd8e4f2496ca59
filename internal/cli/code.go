package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/lansync/internal/session"
)

// CodeResult is a decoded join code. The secret is reported by length only.
type CodeResult struct {
	SessionID string `json:"session_id"`
	MetaAddr  string `json:"meta_addr"`
	BlobAddr  string `json:"blob_addr,omitempty"`
	Epoch     uint64 `json:"epoch"`
	SecretLen int    `json:"secret_len"`
}

func (r CodeResult) String() string {
	blob := r.BlobAddr
	if blob == "" {
		blob = "(none)"
	}
	return fmt.Sprintf("session: %s\nmetadata: %s\nblobs:    %s\nepoch:    %d\nsecret:   %d bytes",
		r.SessionID, r.MetaAddr, blob, r.Epoch, r.SecretLen)
}

// NewCodeCommand creates the code command.
func NewCodeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code <join-code>",
		Short: "Decode a join code",
		Long: `Decode a join code printed by "lansync host" and show where it points.

Example:
  lansync code eyJzZXNzaW9uSUQiOi...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			info, err := session.DecodeJoin(args[0])
			if err != nil {
				return f.Fail(ExitCommandError, CodeJoinCode, "invalid join code", err)
			}
			return f.Success(CodeResult{
				SessionID: info.SessionID,
				MetaAddr:  info.MetaAddr(),
				BlobAddr:  info.BlobAddr(),
				Epoch:     info.Epoch,
				SecretLen: len(info.Secret),
			})
		},
	}
	return cmd
}
