// Package main provides a CLI for the message server's admin service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/cory-johannsen/msgcore/internal/admin"
	"github.com/cory-johannsen/msgcore/internal/config"
)

const usage = `usage: msgadmin [flags] <command> [arg]

commands:
  clients              list connected client ids
  kick <id>            disconnect a client
  broadcast <text>     send text to every client
  encryption <on|off>  enable or disable encryption
  rotate-key           install a new random key and print it
`

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	addr := flag.String("addr", "", "admin service address; defaults to admin.host:admin.port from the config")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	target := *addr
	if target == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		target = cfg.Admin.Addr()
	}

	client, conn, err := admin.Dial(target)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cmd, arg := flag.Arg(0), flag.Arg(1)
	switch cmd {
	case "clients":
		ids, err := client.ListClients(ctx)
		if err != nil {
			log.Fatalf("listing clients: %v", err)
		}
		for _, id := range ids {
			fmt.Fprintln(os.Stdout, id)
		}
	case "kick":
		requireArg(cmd, arg)
		if err := client.Kick(ctx, arg); err != nil {
			log.Fatalf("kicking %s: %v", arg, err)
		}
		fmt.Fprintf(os.Stdout, "kicked %s\n", arg)
	case "broadcast":
		requireArg(cmd, arg)
		n, err := client.Broadcast(ctx, arg)
		if err != nil {
			log.Fatalf("broadcasting: %v", err)
		}
		fmt.Fprintf(os.Stdout, "delivered to %d clients\n", n)
	case "encryption":
		requireArg(cmd, arg)
		enabled, err := parseSwitch(arg)
		if err != nil {
			log.Fatal(err)
		}
		if err := client.SetEncryption(ctx, enabled); err != nil {
			log.Fatalf("setting encryption: %v", err)
		}
		fmt.Fprintf(os.Stdout, "encryption %s\n", arg)
	case "rotate-key":
		key, iv, err := client.RotateKey(ctx)
		if err != nil {
			log.Fatalf("rotating key: %v", err)
		}
		fmt.Fprintf(os.Stdout, "key: %s\niv:  %s\n", key, iv)
	default:
		flag.Usage()
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "[%s]\n", time.Since(start))
}

func requireArg(cmd, arg string) {
	if arg == "" {
		log.Fatalf("%s requires an argument", cmd)
	}
}

func parseSwitch(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return b, nil
}
