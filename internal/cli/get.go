package cli

import (
	"fmt"
	"os"
	"time"

	"hostclient/application/http/actor/client"
	"hostclient/application/http/status"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var getTimeout time.Duration

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Send one GET request and print the response",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	getCmd.Flags().DurationVar(&getTimeout, "timeout", 30*time.Second, "Give up waiting for the response after this long")
	rootCmd.AddCommand(getCmd)
}

type getResult struct {
	res  *client.Response
	body []byte
	err  error
}

func runGet(cmd *cobra.Command, args []string) error {
	headers, err := parseHeaders()
	if err != nil {
		return err
	}

	c, err := newClient(nil)
	if err != nil {
		return err
	}
	defer shutdown(c)

	done := make(chan getResult, 1)
	c.GetNow(args[0], headers, func(res *client.Response, err error) {
		if err != nil {
			done <- getResult{err: err}
			return
		}
		res.Collect(func(body []byte, err error) {
			done <- getResult{res: res, body: body, err: err}
		})
	})

	var r getResult
	select {
	case r = <-done:
	case <-time.After(getTimeout):
		return errors.Errorf("no response after %s", getTimeout)
	}
	if r.err != nil {
		return r.err
	}

	out := cmd.OutOrStdout()
	v, reason := r.res.Version(), r.res.StatusMessage()
	if reason == "" {
		reason = status.Text(r.res.StatusCode())
	}
	fmt.Fprintf(out, "HTTP/%d.%d %d %s\n", v[0], v[1], r.res.StatusCode(), reason)
	for _, f := range r.res.Headers() {
		fmt.Fprintf(out, "%s: %s\n", f.Name, f.Value)
	}
	fmt.Fprintln(out)
	_, _ = out.Write(r.body)
	for _, f := range r.res.Trailers() {
		fmt.Fprintf(os.Stderr, "trailer %s: %s\n", f.Name, f.Value)
	}
	return nil
}
