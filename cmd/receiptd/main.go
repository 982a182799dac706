package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ReceiptChain/pkg/logger"
)

// main is the receiptd entry point.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd(os.Stdout, os.LookupEnv).ExecuteContext(ctx)
	stop()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "receiptd: %v\n", err)
		os.Exit(1)
	}
}
