package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lightforgemedia/go-cmdbridge/pkg/client"
)

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "send one command and print its response",
		ArgsUsage: "<command> [parameters-json]",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "response timeout (defaults to bridge.command_timeout)",
			},
			&cli.DurationFlag{
				Name:  "connect-timeout",
				Usage: "how long to wait for the connection",
				Value: 10 * time.Second,
			},
		},
		Action: runSend,
	}
}

func runSend(c *cli.Context) error {
	if c.NArg() < 1 {
		return errors.New("send: command name required")
	}
	name := c.Args().Get(0)
	var params json.RawMessage
	if raw := c.Args().Get(1); raw != "" {
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("send: parameters are not valid JSON: %s", raw)
		}
		params = json.RawMessage(raw)
	}

	cfg, logger, err := appConfig(c)
	if err != nil {
		return err
	}
	bridge := newBridgeClient(cfg, logger)
	defer bridge.Close()

	connectCtx, cancel := context.WithTimeout(c.Context, c.Duration("connect-timeout"))
	defer cancel()
	if err := bridge.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var opts []client.CallOption
	if d := c.Duration("timeout"); d > 0 {
		opts = append(opts, client.WithTimeout(d))
	}
	res, err := bridge.SendCommand(c.Context, name, params, opts...)
	if err != nil {
		return err
	}
	return printResult(c, res)
}

func printResult(c *cli.Context, res *client.Result) error {
	out := c.App.Writer
	if res.Message != "" {
		fmt.Fprintln(out, res.Message)
	}
	if len(res.Data) > 0 && string(res.Data) != "null" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, res.Data, "", "  "); err != nil {
			return err
		}
		fmt.Fprintln(out, buf.String())
	}
	return nil
}
