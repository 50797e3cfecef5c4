package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"tinykern/pkg/scenario"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario>...",
		Short: "Check scenario files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				s, err := scenario.Load(path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL  %s\n", path)
					// Validation joins one error per problem.
					var joined interface{ Unwrap() []error }
					if errors.As(err, &joined) {
						for _, e := range joined.Unwrap() {
							fmt.Fprintf(cmd.OutOrStdout(), "      %v\n", e)
						}
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "      %v\n", err)
					}
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK    %s (%q: %d processes, %d pipes, %d events)\n",
					path, s.Name, len(s.Processes), len(s.Pipes), len(s.Events))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d scenarios invalid", failed, len(args))
			}
			return nil
		},
	}
}
