// cmd/syncbridge/main.go
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

	"syncbridge/internal/config"
	"syncbridge/internal/metrics"
	"syncbridge/internal/sign"
	"syncbridge/internal/syncclient"
)

func die(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func usage() {
	fmt.Println("usage: syncbridge <run|test-sync|activate|deactivate|verify-payment|email-status|webhook-status>")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	cfgPath := fs.String("config", "", "config file path")
	key := fs.String("key", "", "license key")
	machine := fs.String("machine", "", "machine id")
	payment := fs.String("payment", "", "payment id")
	message := fs.String("message", "", "email message id")
	_ = fs.Parse(os.Args[2:])

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		die("load config failed", err)
	}
	client := syncclient.New(cfg, sign.NewCodec(cfg.Secret), metrics.New())

	switch os.Args[1] {

	case "run":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := client.Run(ctx); err != nil {
			die("sync connection failed", err)
		}

	case "test-sync":
		runCall(client.Caller().TestSync)

	case "activate":
		if *key == "" {
			die("activate", fmt.Errorf("-key is required"))
		}
		runCall(func(ctx context.Context) (json.RawMessage, error) {
			return client.Caller().ActivateLicense(ctx, *key, *machine)
		})

	case "deactivate":
		if *key == "" {
			die("deactivate", fmt.Errorf("-key is required"))
		}
		runCall(func(ctx context.Context) (json.RawMessage, error) {
			return client.Caller().DeactivateLicense(ctx, *key)
		})

	case "verify-payment":
		if *payment == "" {
			die("verify-payment", fmt.Errorf("-payment is required"))
		}
		runCall(func(ctx context.Context) (json.RawMessage, error) {
			return client.Caller().VerifyPayment(ctx, *payment)
		})

	case "email-status":
		if *message == "" {
			die("email-status", fmt.Errorf("-message is required"))
		}
		runCall(func(ctx context.Context) (json.RawMessage, error) {
			return client.Caller().CheckEmailDelivery(ctx, *message)
		})

	case "webhook-status":
		runCall(client.Caller().CheckWebhookHealth)

	default:
		usage()
	}
}

func runCall(call func(context.Context) (json.RawMessage, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	data, err := call(ctx)
	if err != nil {
		die("call failed", err)
	}
	var pretty any
	if json.Unmarshal(data, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return
	}
	fmt.Println(string(data))
}
