package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/unitlink/unitlink/pkg/host"
)

const usage = `Usage: unitctl -addr <port|host:port> <command> [args]

Commands:
  status                               Identity and provisioning snapshot
  capabilities                         Capability manifest
  provision-factory <fields-json>     Write the factory partition
  provision-consumer <fields-json>    Write the consumer partition
  test <capability> <test> [json]     Run one capability test
  test-all                             Run every declared test in order
  reset <consumer|factory>            Erase and reboot
  reboot                               Plain reboot
  exit                                 Leave service mode

The address is a serial device path (/dev/..., COM...) or a TCP
host:port when talking to a simulated unit.`

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := flag.String("addr", "", "Unit address: serial port path or TCP host:port")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall command deadline")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	args := flag.Args()
	if *addr == "" || len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, err := host.Dial(*addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Msg("Failed to open transport")
	}

	sess := host.NewSession(*addr, conn)
	defer func() { _ = sess.Close() }()

	if err := sess.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Entry handshake failed")
	}
	log.Debug().Msg("Unit entered service mode")

	if err := run(ctx, sess, args); err != nil {
		log.Fatal().Err(err).Str("command", args[0]).Msg("Command failed")
	}
}

func run(ctx context.Context, sess *host.Session, args []string) error {
	switch cmd := args[0]; cmd {
	case "status":
		status, err := sess.Status(ctx)
		if err != nil {
			return err
		}
		return emit(status)

	case "capabilities":
		manifest, err := sess.Capabilities(ctx)
		if err != nil {
			return err
		}
		return emit(manifest)

	case "provision-factory", "provision-consumer":
		if len(args) != 2 {
			return fmt.Errorf("%s takes exactly one JSON argument", cmd)
		}
		fields, err := parseJSON(args[1])
		if err != nil {
			return err
		}
		var derived map[string]any
		if cmd == "provision-factory" {
			derived, err = sess.ProvisionFactory(ctx, fields)
		} else {
			derived, err = sess.ProvisionConsumer(ctx, fields)
		}
		if err != nil {
			return err
		}
		return emit(map[string]any{"provisioned": true, "derived": derived})

	case "test":
		if len(args) < 3 || len(args) > 4 {
			return fmt.Errorf("usage: test <capability> <test> [params-json]")
		}
		var params map[string]any
		if len(args) == 4 {
			var err error
			if params, err = parseJSON(args[3]); err != nil {
				return err
			}
		}
		resp, err := sess.RunTest(ctx, args[1], args[2], params)
		if err != nil {
			return err
		}
		return emit(map[string]any{
			"capability": args[1],
			"test":       args[2],
			"passed":     resp.OK(),
			"error_code": resp.ErrorCode(),
			"data":       resp.Data,
		})

	case "test-all":
		results, err := sess.RunAllTests(ctx)
		if emitErr := emit(results); emitErr != nil {
			return emitErr
		}
		return err

	case "reset":
		if len(args) != 2 || (args[1] != "consumer" && args[1] != "factory") {
			return fmt.Errorf("usage: reset <consumer|factory>")
		}
		assumed, err := sess.Reset(ctx, args[1] == "factory")
		if err != nil {
			return err
		}
		return emit(map[string]any{"status": "rebooting", "assumed": assumed})

	case "reboot":
		assumed, err := sess.Reboot(ctx)
		if err != nil {
			return err
		}
		return emit(map[string]any{"status": "rebooting", "assumed": assumed})

	case "exit":
		if err := sess.ExitServiceMode(ctx); err != nil {
			return err
		}
		return emit(map[string]any{"mode": "standard"})

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parseJSON(arg string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(arg), &fields); err != nil {
		return nil, fmt.Errorf("parse JSON argument: %w", err)
	}
	return fields, nil
}

func emit(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
