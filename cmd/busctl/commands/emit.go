package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buslink/buslink/cmd/busctl/cmdutil"
	"github.com/buslink/buslink/pkg/busdata"
	"github.com/buslink/buslink/pkg/message"
)

var (
	emitSignature   string
	emitDestination string
)

var emitCmd = &cobra.Command{
	Use:   "emit <object-path> <interface>.<signal-name> [args...]",
	Short: "Emit one signal",
	Long: `Send a single signal message. Signals never expect a reply: emit
sends with FlagNoReplyExpected set and returns as soon as the message has
been handed to the transport, not when any subscriber has seen it.

Examples:
  busctl emit /org/buslink/Example org.buslink.Example.LevelChanged

  busctl emit --signature u /org/buslink/Example org.buslink.Example.LevelChanged 3`,
	Args: cobra.MinimumNArgs(2),
	RunE: runEmit,
}

func init() {
	emitCmd.Flags().StringVar(&emitSignature, "signature", "", "Argument signature for the trailing positional values, e.g. \"u\"")
	emitCmd.Flags().StringVar(&emitDestination, "destination", "", "Deliver only to this unique or well-known name, instead of broadcasting")
}

func runEmit(cmd *cobra.Command, args []string) error {
	path, member := args[0], args[1]
	values := args[2:]

	iface, signal, err := splitInterfaceMember(member)
	if err != nil {
		return err
	}

	conn, _, cleanup, err := cmdutil.Dial()
	if err != nil {
		return err
	}
	defer cleanup()

	order := busdata.HostByteOrder()
	body, err := encodeArgs(order, emitSignature, values)
	if err != nil {
		return fmt.Errorf("encoding arguments: %w", err)
	}

	msg := message.New(order, message.TypeSignal)
	msg.Path = path
	msg.Interface = iface
	msg.Method = signal // Member field doubles as the signal name on the wire
	msg.Destination = emitDestination
	msg.Flags = message.FlagNoReplyExpected
	msg.SetBody(body)

	return conn.SendNoReply(msg)
}
