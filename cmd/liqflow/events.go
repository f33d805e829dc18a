package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/liqflow/liqflow/internal/events"
	"github.com/liqflow/liqflow/internal/receipts"
)

func runEvents(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 || args[0] != "tail" {
		return fmt.Errorf("%w: events needs tail", errUsage)
	}
	fs := flag.NewFlagSet("events tail", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	driver := fs.String("driver", events.DriverKafka, "event driver: kafka|stdio")
	brokers := fs.String("brokers", "", "kafka brokers (comma-separated)")
	group := fs.String("group", "liqflow-tail", "kafka consumer group")
	topics := fs.String("topics", events.DefaultTopic, "topics to read (comma-separated)")
	flowID := fs.String("flow-id", "", "only show events of this flow")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	consumer, err := events.NewConsumer(ctx, events.ConsumerConfig{
		Driver:  *driver,
		Brokers: events.SplitCommaList(*brokers),
		Group:   *group,
		Topics:  events.SplitCommaList(*topics),
		Reader:  stdin,
	})
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	msgs, errs := consumer.Messages(), consumer.Errors()
	for msgs != nil || errs != nil {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			return err
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			env, err := events.Decode(msg.Value)
			if err != nil {
				fmt.Fprintf(stdout, "skip: %v\n", err)
			} else if *flowID == "" || env.FlowID == *flowID {
				printEnvelope(stdout, env)
			}
			ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = msg.Ack(ackCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ack: %w", err)
			}
		}
	}
	return nil
}

func printEnvelope(w io.Writer, env events.Envelope) {
	line := fmt.Sprintf("%s %s %s -> %s", env.At.Format(time.RFC3339), env.FlowID, env.From, env.To)
	if env.Snapshot.PrimaryTxHash != (common.Hash{}) {
		line += " tx=" + env.Snapshot.PrimaryTxHash.Hex()
	}
	if env.Failure != "" {
		line += " failure=" + env.Failure
	}
	fmt.Fprintln(w, line)
}

func runReceipt(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("receipt", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	bucket := fs.String("bucket", "", "S3 bucket holding receipts (required)")
	prefix := fs.String("prefix", "", "receipt key prefix")
	ownerHex := fs.String("owner", "", "wallet address that ran the flow (required)")
	flowID := fs.String("flow-id", "", "flow id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*bucket) == "" || strings.TrimSpace(*flowID) == "" {
		return errors.New("--bucket and --flow-id are required")
	}
	owner, err := parseAddressFlag("owner", *ownerHex)
	if err != nil {
		return err
	}

	store, err := newS3ReceiptStore(ctx, *bucket, *prefix)
	if err != nil {
		return err
	}
	return printReceipt(ctx, store, owner, strings.TrimSpace(*flowID), stdout)
}

func newS3ReceiptStore(ctx context.Context, bucket, prefix string) (receipts.Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return receipts.NewStore(receipts.StoreConfig{
		Driver:   receipts.DriverS3,
		Bucket:   bucket,
		Prefix:   prefix,
		S3Client: awss3.NewFromConfig(awsCfg),
	})
}

func newS3Archiver(ctx context.Context, bucket, prefix string, log *slog.Logger) (*receipts.Archiver, error) {
	store, err := newS3ReceiptStore(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	return receipts.NewArchiver(store, log)
}

func printReceipt(ctx context.Context, store receipts.Store, owner common.Address, flowID string, w io.Writer) error {
	a, err := receipts.NewArchiver(store, nil)
	if err != nil {
		return err
	}
	r, err := a.Load(ctx, owner, flowID)
	if err != nil {
		if receipts.IsNotFound(err) {
			return fmt.Errorf("no receipt for flow %s; it may still be running", flowID)
		}
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
