package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"codegrade/internal/common/cache"
	"codegrade/internal/common/mq"
	"codegrade/internal/common/storage"
	"codegrade/internal/grading/comparator"
	"codegrade/internal/grading/config"
	"codegrade/internal/grading/model"
	"codegrade/internal/grading/producer"
	"codegrade/internal/grading/repository"
	"codegrade/internal/grading/sandbox/engine"
	"codegrade/internal/grading/sandbox/runner"
	"codegrade/internal/grading/verdict"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
)

func jobFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "language", Aliases: []string{"l"}, Required: true, Usage: "language name or alias"},
		&cli.StringFlag{Name: "code", Required: true, Usage: "path to the source file"},
		&cli.StringFlag{Name: "tests", Required: true, Usage: "path to a JSON array of tests {id, input, expected_output, is_public}"},
		&cli.Int64Flag{Name: "time-limit", Value: 1000, Usage: "per-test time limit in milliseconds"},
		&cli.Int64Flag{Name: "memory-limit", Value: 64, Usage: "per-test memory limit in MB"},
		&cli.StringFlag{Name: "compare-mode", Usage: "exact, whitespace, case_insensitive or numeric"},
	}
}

func enqueueCommand() *cli.Command {
	flags := append(jobFlags(),
		&cli.Int64Flag{Name: "submission-id", Required: true},
		&cli.Int64Flag{Name: "task-id"},
		&cli.Int64Flag{Name: "account-id"},
	)
	return &cli.Command{
		Name:  "enqueue",
		Usage: "publish a grading job for an existing submission row",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log, err := setupLogging(cmd)
			if err != nil {
				return err
			}
			cfg, err := requireConfig(cmd)
			if err != nil {
				return err
			}
			job, err := readJob(cmd)
			if err != nil {
				return err
			}
			runtimes, err := cfg.Registry()
			if err != nil {
				return err
			}
			queue, closeQueue, err := openQueue(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeQueue()

			enqueuer := producer.NewEnqueuer(queue, runtimes, nil, producer.Config{
				Topic:        cfg.Queue.Topic,
				MaxCodeBytes: cfg.Worker.MaxCodeBytes,
				MessageTTL:   cfg.Queue.MessageTTL,
			})
			receipt, err := enqueuer.Enqueue(ctx, model.CreateGradingJobRequest{
				SubmissionID: cmd.Int64("submission-id"),
				TaskID:       cmd.Int64("task-id"),
				AccountID:    cmd.Int64("account-id"),
				Language:     job.Language,
				Code:         job.Code,
				Tests:        job.Tests,
				Limits:       job.Limits,
				CompareMode:  job.CompareMode,
			})
			if err != nil {
				return err
			}
			log.Info("job enqueued", "submission_id", receipt.SubmissionID, "message_id", receipt.MessageID, "topic", receipt.Topic)
			fmt.Fprintln(outWriter(cmd), receipt.MessageID)
			return nil
		},
	}
}

func gradeCommand() *cli.Command {
	flags := append(jobFlags(),
		&cli.Int64Flag{Name: "parallelism", Usage: "tests run at once (defaults to worker.testParallelism)"},
		&cli.BoolFlag{Name: "no-skip", Usage: "keep running tests after a time or memory limit is hit"},
		&cli.BoolFlag{Name: "json", Usage: "print the report as JSON"},
	)
	return &cli.Command{
		Name:  "grade",
		Usage: "grade a program locally through the sandbox without a database or queue",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log, err := setupLogging(cmd)
			if err != nil {
				return err
			}
			cfg, err := optionalConfig(cmd)
			if err != nil {
				return err
			}
			job, err := readJob(cmd)
			if err != nil {
				return err
			}
			runtimes, err := cfg.Registry()
			if err != nil {
				return err
			}
			eng, err := engine.New(cfg.Sandbox, cfg.SecurityResolver())
			if err != nil {
				return fmt.Errorf("init sandbox engine failed: %w", err)
			}
			if closer, ok := eng.(io.Closer); ok {
				defer func() {
					_ = closer.Close()
				}()
			}

			parallelism := cfg.Worker.TestParallelism
			if p := cmd.Int64("parallelism"); p > 0 {
				parallelism = int(p)
			}
			policy := verdict.Policy{SkipAfterResourceLimit: *cfg.Worker.SkipAfterResourceLimit}
			if cmd.Bool("no-skip") {
				policy.SkipAfterResourceLimit = false
			}
			log.Debug("grading locally", "language", job.Language, "tests", len(job.Tests), "parallelism", parallelism)

			grader := localGrader{
				runtimes:    runtimes,
				runner:      runner.NewRunner(eng, cfg.Runner),
				policy:      policy,
				parallelism: parallelism,
				progressOut: errWriter(cmd),
			}
			report, err := grader.grade(ctx, job)
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				enc := json.NewEncoder(outWriter(cmd))
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printReport(outWriter(cmd), report)
			return nil
		},
	}
}

func compareCommand() *cli.Command {
	return &cli.Command{
		Name:      "compare",
		Usage:     "compare an output file against an expected file",
		ArgsUsage: "<expected-file> <actual-file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: string(comparator.DefaultMode), Usage: "exact, whitespace, case_insensitive or numeric"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return fmt.Errorf("compare needs exactly two files, got %d", cmd.Args().Len())
			}
			expected, err := os.ReadFile(cmd.Args().Get(0))
			if err != nil {
				return err
			}
			actual, err := os.ReadFile(cmd.Args().Get(1))
			if err != nil {
				return err
			}
			mode := comparator.ParseMode(cmd.String("mode"))
			if comparator.Compare(string(expected), string(actual), mode) {
				fmt.Fprintf(outWriter(cmd), "%s (%s)\n", passColor.Sprint("match"), mode)
				return nil
			}
			fmt.Fprintf(outWriter(cmd), "%s (%s)\n", failColor.Sprint("mismatch"), mode)
			return errMismatch
		},
	}
}

func languagesCommand() *cli.Command {
	return &cli.Command{
		Name:  "languages",
		Usage: "list the configured runtimes",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := optionalConfig(cmd)
			if err != nil {
				return err
			}
			runtimes, err := cfg.Registry()
			if err != nil {
				return err
			}
			printRuntimes(outWriter(cmd), runtimes.Runtimes())
			return nil
		},
	}
}

func deadLettersCommand() *cli.Command {
	return &cli.Command{
		Name:  "dead-letters",
		Usage: "inspect and replay archived dead-lettered jobs",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list archived messages of one UTC day",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "day", Usage: "YYYY-MM-DD, defaults to today"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := requireConfig(cmd)
					if err != nil {
						return err
					}
					day := time.Now().UTC()
					if raw := cmd.String("day"); raw != "" {
						day, err = time.Parse(time.DateOnly, raw)
						if err != nil {
							return fmt.Errorf("invalid day %q: %w", raw, err)
						}
					}
					archive, err := openArchive(cfg)
					if err != nil {
						return err
					}
					keys, err := archive.List(ctx, day)
					if err != nil {
						return err
					}
					for _, key := range keys {
						fmt.Fprintln(outWriter(cmd), key)
					}
					return nil
				},
			},
			{
				Name:      "replay",
				Usage:     "publish archived messages back to the topic they were dead-lettered from",
				ArgsUsage: "<key> [key...]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					log, err := setupLogging(cmd)
					if err != nil {
						return err
					}
					if cmd.Args().Len() == 0 {
						return fmt.Errorf("replay needs at least one archive key")
					}
					cfg, err := requireConfig(cmd)
					if err != nil {
						return err
					}
					archive, err := openArchive(cfg)
					if err != nil {
						return err
					}
					queue, closeQueue, err := openQueue(ctx, cfg)
					if err != nil {
						return err
					}
					defer closeQueue()
					return replay(ctx, log.Info, archive, queue, cfg.Queue.Topic, cmd.Args().Slice())
				},
			},
		},
	}
}

type recordLoader interface {
	Load(ctx context.Context, key string) (repository.DeadLetterRecord, error)
}

func replay(ctx context.Context, info func(msg string, args ...any), archive recordLoader, queue mq.Producer, fallbackTopic string, keys []string) error {
	for _, key := range keys {
		record, err := archive.Load(ctx, key)
		if err != nil {
			return fmt.Errorf("load %s: %w", key, err)
		}
		topic := record.OriginalTopic
		if topic == "" {
			topic = fallbackTopic
		}
		msg := record.Message()
		if err := queue.Publish(ctx, topic, msg); err != nil {
			return fmt.Errorf("replay %s: %w", key, err)
		}
		info("replayed dead letter", "key", key, "topic", topic, "message_id", msg.ID)
	}
	return nil
}

func requireConfig(cmd *cli.Command) (*config.AppConfig, error) {
	path := cmd.String("config")
	if path == "" {
		path = os.Getenv("GRADECTL_CONFIG")
	}
	if path == "" {
		return nil, fmt.Errorf("%s needs --config or GRADECTL_CONFIG", cmd.Name)
	}
	return config.Load(path)
}

func optionalConfig(cmd *cli.Command) (*config.AppConfig, error) {
	if cmd.String("config") == "" && os.Getenv("GRADECTL_CONFIG") == "" {
		return config.Local(), nil
	}
	return requireConfig(cmd)
}

func readJob(cmd *cli.Command) (model.GradingJob, error) {
	code, err := os.ReadFile(cmd.String("code"))
	if err != nil {
		return model.GradingJob{}, fmt.Errorf("read code: %w", err)
	}
	raw, err := os.ReadFile(cmd.String("tests"))
	if err != nil {
		return model.GradingJob{}, fmt.Errorf("read tests: %w", err)
	}
	var tests []model.TestCase
	if err := json.Unmarshal(raw, &tests); err != nil {
		return model.GradingJob{}, fmt.Errorf("parse tests: %w", err)
	}
	return model.GradingJob{
		Language: cmd.String("language"),
		Code:     string(code),
		Tests:    tests,
		Limits: model.ResourceLimits{
			TimeLimitMs:   cmd.Int64("time-limit"),
			MemoryLimitMB: cmd.Int64("memory-limit"),
		},
		CompareMode: cmd.String("compare-mode"),
	}, nil
}

func openQueue(ctx context.Context, cfg *config.AppConfig) (mq.MessageQueue, func(), error) {
	var client redis.UniversalClient
	driver := strings.ToLower(cfg.Queue.Driver)
	if driver == "" || driver == mq.DriverRedis {
		redisClient, err := cache.NewRedisClient(&cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("init redis failed: %w", err)
		}
		client = redisClient
	}
	queue, err := mq.New(ctx, cfg.Queue.MQConfig(), client)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, nil, fmt.Errorf("init job queue failed: %w", err)
	}
	return queue, func() {
		_ = queue.Close()
		if client != nil {
			_ = client.Close()
		}
	}, nil
}

func openArchive(cfg *config.AppConfig) (*repository.DeadLetterArchive, error) {
	objStorage, err := storage.NewMinIOStorage(cfg.MinIO)
	if err != nil {
		return nil, fmt.Errorf("init minio failed: %w", err)
	}
	return repository.NewDeadLetterArchive(objStorage, cfg.DeadLetter.Bucket)
}
