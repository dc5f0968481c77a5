// Command redisdriver-example wires a Client from the environment, waits
// for every shard to come up, issues one command and places one channel
// subscription, then blocks until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	redisdriver "github.com/galaxyed/redisdriver"
	"github.com/galaxyed/redisdriver/internal/command"
	"github.com/galaxyed/redisdriver/internal/config"
	"github.com/galaxyed/redisdriver/internal/dispatch"
	"github.com/galaxyed/redisdriver/internal/reply"
	"github.com/galaxyed/redisdriver/internal/substorage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "redisdriver-example:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	client, err := redisdriver.New(cfg, prometheus.DefaultRegisterer, nil)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	client.Start()
	defer client.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.WaitConnectedOnce(ctx, redisdriver.MasterOnly); err != nil {
		return fmt.Errorf("wait connected: %w", err)
	}

	done := make(chan reply.Reply, 1)
	client.AsyncCommand(
		command.NewCommand("PING", []interface{}{"PING"}, command.Control{}, false, func(r reply.Reply) { done <- r }),
		dispatch.KeyTarget("example"),
		false, false,
	)
	select {
	case r := <-done:
		fmt.Println("PING reply status:", r.Status)
	case <-time.After(2 * time.Second):
		fmt.Println("PING timed out")
	}

	_, cancelSub := client.Subscribe(substorage.KindChannel, "example-channel", func(channel, payload string) {
		fmt.Printf("message on %s: %s\n", channel, payload)
	})
	defer cancelSub()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}
