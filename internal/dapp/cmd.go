package dapp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Brahma-fi/brahma-connect/configs"
	"github.com/Brahma-fi/brahma-connect/internal/bridge"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	bold = color.New(color.Bold).SprintFunc()
	cyan = color.New(color.FgCyan).SprintFunc()
)

var CMD = &cobra.Command{
	Use:   "dapp",
	Short: "Act as an embedded dapp against a running kernel",
}

var callCMD = &cobra.Command{
	Use:   "call <method> [params-json]",
	Short: "Issue one provider call through the bridge and print the result",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw string
		if len(args) == 2 {
			raw = args[1]
		}
		params, err := ParseParams(raw)
		if err != nil {
			return err
		}

		client, err := connect(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		result, err := client.Call(cmd.Context(), args[0], params)
		if err != nil {
			return fmt.Errorf("%s failed: %w", args[0], err)
		}
		return printJSON(result)
	},
}

var watchCMD = &cobra.Command{
	Use:   "watch",
	Short: "Print provider events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		for _, event := range []string{"connect", "accountsChanged", "chainChanged", "message"} {
			defer client.On(event, func(args ...json.RawMessage) {
				parts := make([]string, len(args))
				for i, a := range args {
					parts[i] = string(a)
				}
				fmt.Printf("%s %s\n", cyan(event), strings.Join(parts, " "))
			})()
		}

		<-cmd.Context().Done()
		return nil
	},
}

var announceCMD = &cobra.Command{
	Use:   "announce",
	Short: "Print the provider announcement dapps receive",
	RunE: func(cmd *cobra.Command, args []string) error {
		announcer := bridge.NewAnnouncer(bridge.DefaultProviderInfo, Options(configs.Values.Bridge).Capabilities)
		defer announcer.Subscribe(func(a bridge.Announcement) {
			fmt.Println(bold(a.Info.Name), a.Info.RDNS)
			data, _ := json.MarshalIndent(a, "", "  ")
			fmt.Println(string(data))
		})()
		announcer.RequestProvider()
		return nil
	},
}

func init() {
	declareFlags(CMD)
	CMD.AddCommand(callCMD, watchCMD, announceCMD)
}

func connect(cmd *cobra.Command) (*Client, error) {
	cfg := configs.Values.Dapp
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slog.Debug("connecting dapp", slog.Any("dapp", cfg))
	return Connect(cmd.Context(), cfg, Options(configs.Values.Bridge))
}

func printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err = os.Stdout.Write(append(raw, '\n'))
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
