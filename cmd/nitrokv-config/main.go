// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Command nitrokv-config connects to a cluster, opens a bucket if asked,
// and prints the topology configuration currently held by that handle
// (spec.md §6, "CLI surface").
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nitrokv/nitrokv-go/pkg/cluster"
)

var (
	seeds         []string
	username      string
	password      string
	useTLS        bool
	level         string
	bucketName    string
	prettyJSON    bool
	watchInterval time.Duration
	debugLog      bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nitrokv-config",
		Short:         "Print the topology configuration seen by a live cluster connection",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runConfig,
	}

	cmd.Flags().StringSliceVar(&seeds, "seeds", nil, "bootstrap host:port addresses (required)")
	cmd.Flags().StringVar(&username, "username", "", "cluster username")
	cmd.Flags().StringVar(&password, "password", "", "cluster password")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "connect over TLS")
	cmd.Flags().StringVar(&level, "level", "cluster", "configuration level to print: bucket or cluster")
	cmd.Flags().StringVar(&bucketName, "bucket-name", "", "bucket to open when --level=bucket")
	cmd.Flags().BoolVar(&prettyJSON, "pretty-json", false, "indent the printed JSON")
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", 0, "reprint the configuration on this interval instead of exiting after one print")
	cmd.Flags().BoolVar(&debugLog, "debug", false, "enable debug-level logging")

	_ = cmd.MarkFlagRequired("seeds")

	return cmd
}

// validateLevelFlags checks the --level/--bucket-name combination before any
// network activity starts.
func validateLevelFlags(level, bucketName string) error {
	if level != "bucket" && level != "cluster" {
		return fmt.Errorf("--level must be %q or %q, got %q", "bucket", "cluster", level)
	}
	if level == "bucket" && bucketName == "" {
		return fmt.Errorf("--bucket-name is required when --level=bucket")
	}
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	if err := validateLevelFlags(level, bucketName); err != nil {
		return err
	}

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	cl, err := cluster.New(log, cluster.Options{
		Username: username,
		Password: password,
		UseTLS:   useTLS,
	})
	if err != nil {
		return fmt.Errorf("construct cluster: %w", err)
	}
	defer cl.Close()

	openCtx, openCancel := context.WithTimeout(ctx, 30*time.Second)
	defer openCancel()
	if err := cl.Open(openCtx, seeds); err != nil {
		return fmt.Errorf("open cluster: %w", err)
	}

	var bucket *cluster.Bucket
	if level == "bucket" {
		bucket, err = openBucket(openCtx, cl, bucketName)
		if err != nil {
			return fmt.Errorf("open bucket %q: %w", bucketName, err)
		}
	}

	print := func() error {
		return printConfig(cmd, cl, bucket)
	}

	if watchInterval <= 0 {
		return print()
	}

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	if err := print(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := print(); err != nil {
				log.Warn("failed to print configuration", zap.Error(err))
			}
		}
	}
}

func openBucket(ctx context.Context, cl *cluster.Cluster, name string) (*cluster.Bucket, error) {
	done := make(chan struct {
		bucket *cluster.Bucket
		err    error
	}, 1)
	cl.OpenBucket(ctx, name, func(b *cluster.Bucket, err error) {
		done <- struct {
			bucket *cluster.Bucket
			err    error
		}{b, err}
	})
	select {
	case res := <-done:
		return res.bucket, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func printConfig(cmd *cobra.Command, cl *cluster.Cluster, bucket *cluster.Bucket) error {
	var cfg any
	if bucket != nil {
		cfg = bucket.CurrentConfig()
	} else {
		cfg = cl.CurrentConfig()
	}

	var out []byte
	var err error
	if prettyJSON {
		out, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		out, err = json.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debugLog {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}
