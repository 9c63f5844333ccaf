package forkd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type (
	flagType interface {
		string | int
	}

	flagDef[T flagType] struct {
		name         string
		viperKey     string
		defaultValue T
		description  string
	}
)

var (
	stringFlags = []flagDef[string]{
		{"listen-addr", "forkd.listen-addr", "", "Fork service listen address"},
		{"image", "forkd.image", "", "Anvil container image"},
		{"upstream-rpc-url", "forkd.upstream-rpc-url", "", "RPC URL forks are created from"},
		{"state-file", "forkd.state-file", "", "File the account to fork assignments are persisted to"},
		{"host", "forkd.host", "", "Host the fork nodes are published on"},
	}

	intFlags = []flagDef[int]{
		{"chain-id", "forkd.chain-id", 0, "Chain id the forks report"},
		{"port-range-start", "forkd.port-range-start", 0, "First host port handed to a fork node"},
		{"provisions-per-minute", "forkd.provisions-per-minute", 0, "New forks allowed per minute (0 disables the limit)"},
	}
)

func init() {
	declareFlags(CMD, stringFlags)
	declareFlags(CMD, intFlags)
}

func declareFlags[T flagType](cmd *cobra.Command, flags []flagDef[T]) {
	for _, flag := range flags {
		switch v := any(flag.defaultValue).(type) {
		case string:
			cmd.Flags().String(flag.name, v, flag.description)
		case int:
			cmd.Flags().Int(flag.name, v, flag.description)
		}
		if err := viper.BindPFlag(flag.viperKey, cmd.Flags().Lookup(flag.name)); err != nil {
			panic(err)
		}
	}
}
