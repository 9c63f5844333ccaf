package dapp

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func declareFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("kernel-ws-url", "", "Kernel bridge websocket URL, without the context id")
	flags.String("origin", "", "Origin the dapp presents")
	flags.Int("context-id", 0, "Browsing context the dapp runs in")

	for name, key := range map[string]string{
		"kernel-ws-url": "dapp.kernel-ws-url",
		"origin":        "dapp.origin",
		"context-id":    "dapp.context-id",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
}
