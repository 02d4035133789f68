// Command rpccall sends one call to a lite-rpc server and prints the JSON result.
//
//	rpccall --addr 127.0.0.1:9000 --codec binary Calculator add int=2 int=3
//
// Each parameter is TYPE=JSON, where TYPE is the Go type descriptor the server
// registered the method with.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"lite-rpc/client"
	"lite-rpc/codec"
	"lite-rpc/coordinator"
	"lite-rpc/logging"
	"lite-rpc/message"
	"lite-rpc/registry"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	addr       string
	codec      string
	timeout    time.Duration
	endpoints  []string
	parentPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:          "rpccall [flags] SERVICE METHOD [TYPE=JSON ...]",
		Short:        "Call one method on a lite-rpc server",
		Args:         cobra.MinimumNArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(opts.debug)
			if err != nil {
				return errors.Wrap(err, "cannot create logger")
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return run(ctx, opts, args, cmd.OutOrStdout(), logger)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.addr, "addr", "127.0.0.1:9000", "server address, ignored when --etcd is set")
	fs.StringVar(&opts.codec, "codec", codec.CodecTypeJSON.String(), "frame body codec: json or binary")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "give up on the call after this long")
	fs.StringSliceVar(&opts.endpoints, "etcd", nil, "discover the server through these etcd endpoints")
	fs.StringVar(&opts.parentPath, "parent-path", registry.DefaultParentPath, "parent node of server registrations")
	fs.BoolVar(&opts.debug, "debug", false, "debug logging")
	return cmd
}

// parseParams splits TYPE=JSON arguments into descriptors and raw values.
func parseParams(args []string) ([]string, []json.RawMessage, error) {
	types := make([]string, 0, len(args))
	params := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		typ, value, ok := strings.Cut(arg, "=")
		if !ok || typ == "" {
			return nil, nil, errors.Errorf("parameter %q is not TYPE=JSON", arg)
		}
		if !jsoniter.Valid([]byte(value)) {
			return nil, nil, errors.Errorf("parameter %q: value is not valid JSON", arg)
		}
		types = append(types, typ)
		params = append(params, json.RawMessage(value))
	}
	return types, params, nil
}

func dial(ctx context.Context, opts options, clientOpts []client.Option, logger *zap.Logger) (*client.Client, error) {
	if len(opts.endpoints) == 0 {
		return client.Dial(ctx, opts.addr, clientOpts...)
	}
	reg := registry.New(coordinator.NewEtcd(coordinator.EtcdConfig{Endpoints: opts.endpoints}, logger), logger,
		registry.WithParentPath(opts.parentPath))
	defer reg.Close()
	return client.DialDiscovered(ctx, reg, clientOpts...)
}

func run(ctx context.Context, opts options, args []string, out io.Writer, logger *zap.Logger) (err error) {
	codecType, err := codec.ParseType(opts.codec)
	if err != nil {
		return err
	}
	types, params, err := parseParams(args[2:])
	if err != nil {
		return err
	}

	c, err := dial(ctx, opts, []client.Option{client.WithCodec(codecType), client.WithLogger(logger)}, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, c.Close())
	}()

	resp, err := c.Call(ctx, &message.Request{
		ServiceName:    args[0],
		MethodName:     args[1],
		ParameterTypes: types,
		Parameters:     params,
	})
	if err != nil {
		return errors.Wrapf(err, "call to %s failed", c.Addr())
	}
	if resp.Failed() {
		return resp.Error
	}
	_, err = fmt.Fprintln(out, string(resp.Result))
	return err
}
