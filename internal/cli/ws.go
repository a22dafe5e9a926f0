package cli

import (
	"fmt"
	"time"

	"hostclient/application/websocket"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var wsTimeout time.Duration

var wsCmd = &cobra.Command{
	Use:   "ws <path> <message>",
	Short: "Send a text message over a WebSocket and print the first reply",
	Args:  cobra.ExactArgs(2),
	RunE:  runWS,
}

func init() {
	wsCmd.Flags().DurationVar(&wsTimeout, "timeout", 30*time.Second, "Give up waiting for a reply after this long")
	rootCmd.AddCommand(wsCmd)
}

func runWS(cmd *cobra.Command, args []string) error {
	headers, err := parseHeaders()
	if err != nil {
		return err
	}

	c, err := newClient(nil)
	if err != nil {
		return err
	}
	defer shutdown(c)

	var (
		opened  = make(chan *websocket.Conn, 1)
		replies = make(chan string, 1)
		failed  = make(chan error, 1)
	)
	c.ConnectWebSocketVersion(args[0], websocket.Version13, headers, func(ws *websocket.Conn, err error) {
		if err != nil {
			failed <- err
			return
		}
		ws.TextMessageHandler(func(text string) {
			select {
			case replies <- text:
			default:
			}
		}).BinaryMessageHandler(func(data []byte) {
			select {
			case replies <- fmt.Sprintf("<%d binary bytes>", len(data)):
			default:
			}
		}).CloseHandler(func(code uint16, reason string) {
			select {
			case failed <- errors.Errorf("closed by server: %d %s", code, reason):
			default:
			}
		}).ExceptionHandler(func(err error) {
			select {
			case failed <- err:
			default:
			}
		})
		opened <- ws
	})

	timeout := time.After(wsTimeout)

	var ws *websocket.Conn
	select {
	case ws = <-opened:
	case err := <-failed:
		return err
	case <-timeout:
		return errors.Errorf("no upgrade after %s", wsTimeout)
	}

	if err := ws.WriteText(args[1]); err != nil {
		return err
	}

	select {
	case reply := <-replies:
		fmt.Fprintln(cmd.OutOrStdout(), reply)
	case err := <-failed:
		return err
	case <-timeout:
		return errors.Errorf("no reply after %s", wsTimeout)
	}

	_ = ws.Close(websocket.CloseNormal, "")
	select {
	case <-ws.Done():
	case <-time.After(time.Second):
	}
	return nil
}
