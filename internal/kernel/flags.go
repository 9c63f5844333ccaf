package kernel

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type (
	flagType interface {
		string | int | bool
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
		{"upstream-rpc-url", "chain.upstream-rpc-url", "", "Live network RPC URL"},
		{"console-address", "console.address", "", "Controlling account (console) address"},
		{"owner-address", "console.owner-address", "", "Console owner address used for pre-validated signatures"},
		{"conductor-url", "conductor.base-url", "", "Fork conductor base URL"},
		{"jwt-token", "conductor.jwt-token", "", "Fork conductor JWT"},
		{"listen-addr", "kernel.listen-addr", "", "API and websocket listen address"},
		{"proxy-addr", "kernel.proxy-addr", "", "Forward proxy listen address (empty disables the proxy)"},
		{"kernel-url", "kernel.kernel-url", "", "URL prefix of the kernel surface"},
		{"devtools-url", "kernel.devtools-url", "", "Chrome DevTools HTTP endpoint (empty disables the DevTools host)"},
		{"devtools-target", "kernel.devtools-target", "", "DevTools target id of the tab to drive"},
		{"journal-path", "kernel.journal-path", "", "Checkpoint journal database path (empty disables the journal)"},
	}

	intFlags = []flagDef[int]{
		{"chain-id", "chain.id", 0, "Chain id presented to dapps"},
	}
)

func init() {
	declareFlags(CMD, stringFlags)
	declareFlags(CMD, intFlags)

	for _, cmd := range []*cobra.Command{RulesCMD, ContextsCMD} {
		cmd.Flags().String("addr", "", "Kernel API address (defaults to kernel.listen-addr)")
	}
	RulesCMD.Flags().Bool("yaml", false, "Print the rule set as YAML")
	JournalCMD.Flags().String("path", "", "Journal database path (defaults to kernel.journal-path)")
	JournalCMD.Flags().Int("context", -1, "Only show checkpoints of this context")
	JournalCMD.Flags().Int("limit", 50, "Maximum number of checkpoints")
}

// declareFlags declares the flags on cmd and binds each to its viper key.
// Unset flags leave the config file value in place.
func declareFlags[T flagType](cmd *cobra.Command, flags []flagDef[T]) {
	for _, flag := range flags {
		switch v := any(flag.defaultValue).(type) {
		case string:
			cmd.PersistentFlags().String(flag.name, v, flag.description)
		case int:
			cmd.PersistentFlags().Int(flag.name, v, flag.description)
		case bool:
			cmd.PersistentFlags().Bool(flag.name, v, flag.description)
		}
		if err := viper.BindPFlag(flag.viperKey, cmd.PersistentFlags().Lookup(flag.name)); err != nil {
			panic(err)
		}
	}
}
