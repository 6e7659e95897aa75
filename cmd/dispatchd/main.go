package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/digineo/dispatchd/client"
	"github.com/digineo/dispatchd/dispatch"
	"github.com/digineo/dispatchd/transport"
	"github.com/digineo/dispatchd/wire"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("no arguments given, expected one of: server, send, listen")
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "server":
		err = runServer(args)
	case "send":
		err = runSend(args)
	case "listen":
		err = runListen(args)
	default:
		fmt.Println("invalid command:", cmd)
		os.Exit(1)
	}

	if err != nil {
		logrus.Fatal(err)
	}
}

func runServer(args []string) error {
	cfg := defaultServerConfig()
	var configFile string

	flags := flag.NewFlagSet("server", flag.ExitOnError)
	flags.StringVar(&configFile, "config", "", "`PATH` to a TOML config file")
	address := flags.String("address", cfg.Dispatch.Address, "Listening address")
	port := flags.Int("port", cfg.Port, "Listening port")
	impl := flags.String("transport", cfg.Dispatch.Transport, fmt.Sprintf("Transport %v", transport.Names()))
	verbose := flags.Bool("v", false, "Log diagnostics")
	workers := flags.Int("workers", 0, "Handler goroutines, 0 spawns one per message")
	flags.Parse(args)

	if configFile != "" {
		if err := loadConfig(configFile, &cfg); err != nil {
			return err
		}
	}

	// flags given on the command line win over the config file
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "address":
			cfg.Dispatch.Address = *address
		case "port":
			cfg.Port = *port
		case "transport":
			cfg.Dispatch.Transport = *impl
		case "v":
			cfg.Dispatch.Verbose = *verbose
		case "workers":
			cfg.Workers = *workers
		}
	})

	if cfg.Workers > 0 {
		pool := dispatch.NewWorkerPool(cfg.Workers, cfg.Queue)
		defer pool.Close()
		cfg.Dispatch.Spawner = pool
	}

	srv := dispatch.NewServer(&cfg.Dispatch)
	if err := registerHandlers(srv); err != nil {
		return err
	}
	if err := srv.Start(cfg.Port); err != nil {
		return err
	}

	// Wait for SIGINT or SIGTERM
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	srv.Stop()
	return nil
}

func dialerFlags(flags *flag.FlagSet) (*client.Dialer, *string) {
	d := &client.Dialer{}
	flags.StringVar(&d.Transport, "transport", dispatch.DefaultTransport, fmt.Sprintf("Transport %v", transport.Names()))
	flags.StringVar(&d.Options.Path, "ws-path", defaultWSPath, "Websocket endpoint path")
	addr := flags.String("address", "127.0.0.1:10000", "Server `HOST:PORT`")
	return d, addr
}

func runSend(args []string) error {
	flags := flag.NewFlagSet("send", flag.ExitOnError)
	d, addr := dialerFlags(flags)
	wait := flags.Bool("wait", false, "Wait for a reply")
	timeout := flags.Duration("timeout", 5*time.Second, "Overall timeout")
	flags.Usage = func() {
		fmt.Fprintln(flags.Output(), "usage: dispatchd send [flags] IDENTIFIER [JSON]")
		flags.PrintDefaults()
	}
	flags.Parse(args)

	if flags.NArg() < 1 || flags.NArg() > 2 {
		flags.Usage()
		os.Exit(1)
	}

	msg, err := newMessage(flags.Arg(0), flags.Arg(1))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if !*wait {
		return d.Send(ctx, *addr, msg)
	}

	reply, err := d.Request(ctx, *addr, msg)
	if err != nil {
		return err
	}
	printMessage(reply)
	return nil
}

func runListen(args []string) error {
	flags := flag.NewFlagSet("listen", flag.ExitOnError)
	d, addr := dialerFlags(flags)
	payload := flags.String("payload", "", "JSON payload of the LOGIN message")
	flags.Parse(args)

	var loginPayload interface{}
	if *payload != "" {
		loginPayload = json.RawMessage(*payload)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := d.Login(ctx, *addr, loginPayload)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		msg, err := client.Receive(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "connection lost")
		}
		printMessage(msg)
	}
}

// newMessage builds a message from command line arguments, payload must be
// a JSON document or empty.
func newMessage(id, payload string) (*wire.Message, error) {
	if payload == "" {
		return wire.New(id, nil)
	}
	return wire.New(id, json.RawMessage(payload))
}

func printMessage(msg *wire.Message) {
	if msg.HasPayload() {
		fmt.Printf("%s %s\n", msg.ID(), msg.Payload())
	} else {
		fmt.Println(msg.ID())
	}
}
