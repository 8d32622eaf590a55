package main

import (
    "fmt"
    "os"

    "github.com/spf13/cobra"

    metacli "github.com/amirimatin/go-metasrv/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        fmt.Fprintln(os.Stderr, "error:", err)
        os.Exit(1)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "metasrv",
        Short:         "Cluster metadata and coordination service",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    metacli.AddAll(root)
    return root
}
