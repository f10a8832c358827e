package commands

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/buslink/buslink/cmd/busctl/cmdutil"
	"github.com/buslink/buslink/pkg/busconn"
	"github.com/buslink/buslink/pkg/busdata"
	"github.com/buslink/buslink/pkg/message"
)

var introspectRawSignature string

var introspectRawCmd = &cobra.Command{
	Use:   "introspect-raw <destination> <object-path> <interface>.<method> [args...]",
	Short: "Dump the raw signature and body bytes of one call's reply",
	Long: `Like call, but prints the reply's wire signature and a hex dump of
its raw body bytes instead of decoding them — useful for inspecting a
method this client's codec doesn't know how to render, or for debugging
the codec itself. Deliberately not a traffic monitor: it only ever shows
the reply to a call this invocation itself made.`,
	Args: cobra.MinimumNArgs(3),
	RunE: runIntrospectRaw,
}

func init() {
	introspectRawCmd.Flags().StringVar(&introspectRawSignature, "signature", "", "Argument signature for the trailing positional values")
}

func runIntrospectRaw(cmd *cobra.Command, args []string) error {
	destination, path, member := args[0], args[1], args[2]
	values := args[3:]

	iface, method, err := splitInterfaceMember(member)
	if err != nil {
		return err
	}

	conn, dispatcher, cleanup, err := cmdutil.Dial()
	if err != nil {
		return err
	}
	defer cleanup()

	order := busdata.HostByteOrder()
	body, err := encodeArgs(order, introspectRawSignature, values)
	if err != nil {
		return fmt.Errorf("encoding arguments: %w", err)
	}

	msg := message.New(order, message.TypeMethodCall)
	msg.Destination = destination
	msg.Path = path
	msg.Interface = iface
	msg.Method = method
	msg.SetBody(body)

	var reply *message.Message
	var replyErr error
	received := false

	timeout := cmdutil.Flags.Timeout
	if timeout <= 0 {
		timeout = busconn.DefaultReplyTimeout
	}

	conn.Send(msg, timeout, func(m *message.Message, err error) {
		reply, replyErr = m, err
		received = true
	})

	if err := cmdutil.RunUntil(dispatcher, timeout+time.Second, func() bool { return received }); err != nil {
		return err
	}
	if replyErr != nil {
		return replyErr
	}

	fmt.Printf("type:      %s\n", messageTypeName(reply.Type))
	fmt.Printf("signature: %q\n", reply.Body.Signature)
	fmt.Printf("order:     %c\n", reply.Body.Order)
	fmt.Printf("fds:       %d\n", len(reply.FDs))
	fmt.Printf("body (%d bytes):\n%s", len(reply.Body.Body), hex.Dump(reply.Body.Body))
	return nil
}

func messageTypeName(t message.Type) string {
	switch t {
	case message.TypeMethodCall:
		return "method_call"
	case message.TypeMethodReturn:
		return "method_return"
	case message.TypeError:
		return "error"
	case message.TypeSignal:
		return "signal"
	default:
		return "invalid"
	}
}
