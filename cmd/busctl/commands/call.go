package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/buslink/buslink/cmd/busctl/cmdutil"
	"github.com/buslink/buslink/pkg/busconn"
	"github.com/buslink/buslink/pkg/busdata"
	"github.com/buslink/buslink/pkg/message"
)

var callSignature string

var callCmd = &cobra.Command{
	Use:   "call <destination> <object-path> <interface>.<method> [args...]",
	Short: "Issue one method call and print the reply",
	Long: `Issue a single method call and block until the reply (or an error
reply, or a timeout) arrives, then print it.

Examples:
  busctl call org.buslink.Example /org/buslink/Example org.buslink.Example.Ping

  busctl call --signature su org.buslink.Example /org/buslink/Example \
    org.buslink.Example.SetLevel hello 3`,
	Args: cobra.MinimumNArgs(3),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callSignature, "signature", "", "Argument signature for the trailing positional values, e.g. \"su\"")
}

func runCall(cmd *cobra.Command, args []string) error {
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
	body, err := encodeArgs(order, callSignature, values)
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

	// Poll a little past the PendingReply's own timeout so its timeout
	// callback (which also sets received) has a chance to fire first.
	if err := cmdutil.RunUntil(dispatcher, timeout+time.Second, func() bool { return received }); err != nil {
		return err
	}
	if replyErr != nil {
		return replyErr
	}

	if reply.Type == message.TypeError {
		return fmt.Errorf("%s", reply.ErrorName)
	}

	rendered, err := decodeArgsToStrings(reply.Body)
	if err != nil {
		return err
	}
	for _, v := range rendered {
		fmt.Println(v)
	}
	return nil
}

// splitInterfaceMember splits "org.buslink.Example.Ping" into interface
// "org.buslink.Example" and method "Ping" at the last dot.
func splitInterfaceMember(s string) (iface, method string, err error) {
	i := strings.LastIndex(s, ".")
	if i < 0 {
		return "", "", fmt.Errorf("%q must be <interface>.<method>", s)
	}
	return s[:i], s[i+1:], nil
}
