package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"firestige.xyz/ramrod/internal/command"
)

// Client is the daemon surface used by the CLI. *command.UDSClient
// implements it.
type Client interface {
	Call(ctx context.Context, method string, params interface{}) (*command.Response, error)
}

// cli overrides the socket client, for tests.
var cli Client

// SetClient injects a client, typically a mock.
func SetClient(c Client) {
	cli = c
}

// GetClient returns the injected client, if any.
func GetClient() Client {
	return cli
}

func client() Client {
	if cli != nil {
		return cli
	}
	return command.NewUDSClient(socketPath, 30*time.Second)
}

// ResponseError is a command the daemon executed and rejected.
type ResponseError struct {
	Method string
	Code   int
	Msg    string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s failed (%d): %s", e.Method, e.Code, e.Msg)
}

// call sends method and returns its result, turning an error response into
// a *ResponseError.
func call(ctx context.Context, c Client, method string, params interface{}) (interface{}, error) {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	if resp.Error != nil {
		return nil, &ResponseError{Method: method, Code: resp.Error.Code, Msg: resp.Error.Message}
	}
	return resp.Result, nil
}

// render writes v to out in the selected output format.
func render(out io.Writer, format string, v interface{}) error {
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to format result: %w", err)
		}
		return enc.Close()
	case "json", "":
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format result: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	return fmt.Errorf("unknown output format %q (must be json/yaml)", format)
}

// run calls method and renders the result.
func run(ctx context.Context, c Client, out io.Writer, method string, params interface{}) error {
	result, err := call(ctx, c, method, params)
	if err != nil {
		return err
	}
	return render(out, outputFormat, result)
}
