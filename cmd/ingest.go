package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/entity-resolver/internal/engine"
	"github.com/sells-group/entity-resolver/internal/intake"
	"github.com/sells-group/entity-resolver/internal/model"
)

const maxLineBytes = 4 << 20 // 4MB

var ingestFile string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest observation envelopes from a JSONL file",
	Long:  "Reads one observation envelope per line (use - for stdin). Rejected envelopes are logged and counted; store failures abort.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var in io.Reader = cmd.InOrStdin()
		if ingestFile != "-" {
			f, err := os.Open(ingestFile)
			if err != nil {
				return eris.Wrap(err, "open observations file")
			}
			defer f.Close() //nolint:errcheck
			in = f
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		start := time.Now()
		stats, err := ingestLines(ctx, in, env.Service, cfg.Ingest.Concurrency)
		zap.L().Info("ingest complete",
			zap.Int64("stored", stats.Stored),
			zap.Int64("duplicate", stats.Duplicate),
			zap.Int64("rejected", stats.Rejected),
			zap.Duration("elapsed", time.Since(start)),
		)
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume observation envelopes from Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if len(cfg.Kafka.Brokers) == 0 {
			return eris.New("kafka brokers are required (ENTITY_KAFKA_BROKERS)")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		kc := intake.Config{
			Brokers:         cfg.Kafka.Brokers,
			Topic:           cfg.Kafka.Topic,
			GroupID:         cfg.Kafka.GroupID,
			DeadLetterTopic: cfg.Kafka.DeadLetterTopic,
			MaxWait:         time.Duration(cfg.Kafka.MaxWaitMs) * time.Millisecond,
		}
		var dlq intake.Writer
		if w := intake.NewDeadLetterWriter(kc); w != nil {
			dlq = w
		}
		consumer := intake.NewConsumer(intake.NewReader(kc), dlq, env.Service)
		defer consumer.Close() //nolint:errcheck

		return consumer.Run(ctx)
	},
}

// ingestStats counts ingest outcomes.
type ingestStats struct {
	Lines     int64 `json:"lines"`
	Stored    int64 `json:"stored"`
	Duplicate int64 `json:"duplicate"`
	Rejected  int64 `json:"rejected"`
}

// ingestLines ingests one envelope per non-blank line with bounded
// concurrency. Validation failures are counted and skipped; any other
// error cancels the remaining lines.
func ingestLines(ctx context.Context, r io.Reader, ing intake.Ingester, concurrency int) (ingestStats, error) {
	var (
		lines, stored, dup, rejected atomic.Int64
	)
	log := zap.L().With(zap.String("component", "ingest"))

	g, gctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := append([]byte(nil), sc.Bytes()...)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		lines.Add(1)
		n := lineNo
		g.Go(func() error {
			var env engine.Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				rejected.Add(1)
				log.Warn("skipping undecodable line", zap.Int("line", n), zap.Error(err))
				return nil
			}
			res, err := ing.Ingest(gctx, env)
			switch {
			case model.IsValidation(err):
				rejected.Add(1)
				log.Warn("observation rejected", zap.Int("line", n), zap.Error(err))
				return nil
			case err != nil:
				return eris.Wrapf(err, "ingest line %d", n)
			case res.Duplicate:
				dup.Add(1)
			default:
				stored.Add(1)
			}
			return nil
		})
	}
	werr := g.Wait()
	stats := ingestStats{Lines: lines.Load(), Stored: stored.Load(), Duplicate: dup.Load(), Rejected: rejected.Load()}
	if err := sc.Err(); err != nil {
		return stats, eris.Wrap(err, "read observations")
	}
	return stats, werr
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "-", "JSONL file of observation envelopes (- for stdin)")
	rootCmd.AddCommand(ingestCmd, consumeCmd)
}
