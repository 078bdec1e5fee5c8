// Command example wires a Channel to a real grpctransport connection and
// issues one unary-unary call, demonstrating the public surface a generated
// method stub would sit on top of.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/arrow-rpc/rpccore/rpccore"
	"github.com/arrow-rpc/rpccore/transport/grpctransport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	target := os.Getenv("RPCCORE_EXAMPLE_TARGET")
	if target == "" {
		target = "localhost:4317"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := grpctransport.Dial(ctx, target, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}

	channel := rpccore.NewChannel(conn, target, rpccore.ChannelOptions{
		PrimaryUserAgentString: "rpccore-example/1.0",
	}, logger)
	defer channel.Close()

	echo := channel.UnaryUnary("/example.v1.Echo/Call",
		func(req any) ([]byte, error) {
			s, _ := req.(string)
			return []byte(s), nil
		},
		func(raw []byte) (any, error) {
			return string(raw), nil
		},
	)

	resp, err := echo.Call(ctx, "hello", rpccore.CallOptions{Timeout: 2 * time.Second})
	if err != nil {
		var ce *rpccore.CancelledError
		if errors.As(err, &ce) {
			return fmt.Errorf("call cancelled: %w", ce)
		}
		return fmt.Errorf("call failed: %w", err)
	}

	logger.Info("call completed", zap.Any("response", resp))
	return nil
}
