package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-redis/redis"
	"github.com/joho/godotenv"
	"github.com/urfave/cli"

	"github.com/skroutz/extractor/api"
	"github.com/skroutz/extractor/config"
	"github.com/skroutz/extractor/job"
	"github.com/skroutz/extractor/notifier"
	"github.com/skroutz/extractor/processor"
	"github.com/skroutz/extractor/processor/artifact"
	"github.com/skroutz/extractor/processor/diskcheck"
	"github.com/skroutz/extractor/processor/filestorage"
	"github.com/skroutz/extractor/processor/runner"
	"github.com/skroutz/extractor/storage"
)

var (
	sigCh  = make(chan os.Signal, 1)
	cfg    config.Config
	logger log.Logger
)

func main() {
	app := cli.NewApp()
	app.Name = "extractor"
	app.Usage = "Audio extraction service driving yt-dlp"
	app.HideVersion = true

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "`FILE` to load config from",
			EnvVar: "EXTRACTOR_CONFIG",
		},
		cli.StringFlag{
			Name:  "env-file",
			Usage: "`FILE` to load environment variables from",
			Value: ".env",
		},
		cli.StringFlag{
			Name:   "log-level",
			Usage:  "`LEVEL` of logs to keep: debug, info, warn or error",
			Value:  "info",
			EnvVar: "LOG_LEVEL",
		},
	}
	app.Before = setup

	app.Commands = cli.Commands{
		cli.Command{
			Name:  "api",
			Usage: "Start the API web server along with the job processor",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "host",
					Usage: "`HOST` to listen on",
				},
				cli.IntFlag{
					Name:  "port, p",
					Usage: "`PORT` to listen on",
				},
			},
			Action: serve,
		},
		cli.Command{
			Name:      "fetch",
			Usage:     "Extract the audio of the given URLs synchronously",
			ArgsUsage: "URL...",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "file, f",
					Usage: "`FILE` listing one URL per line, run as a batch",
				},
			},
			Action: fetch,
		},
		cli.Command{
			Name:  "files",
			Usage: "List the extracted audio files",
			Action: func(c *cli.Context) error {
				files, err := artifact.List(cfg.Processor.StorageDir)
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Printf("%s\t%s\n", f.Filename, f.Size)
				}
				return nil
			},
		},
		cli.Command{
			Name:  "probe",
			Usage: "Print the version of the extraction tool",
			Action: func(c *cli.Context) error {
				ctx, cancel := context.WithTimeout(context.Background(), probeTimeout())
				defer cancel()
				version, err := runner.New(cfg.Tool.Path).Version(ctx)
				if err != nil {
					return cli.NewExitError(fmt.Sprintf("%s not found or not working: %s", cfg.Tool.Path, err), 1)
				}
				fmt.Println(version)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the environment and the configuration and initializes the
// logger.
func setup(c *cli.Context) error {
	err := godotenv.Load(c.String("env-file"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, levelOption(c.String("log-level")))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	cfg, err = config.Parse(c.String("config"))
	return err
}

func levelOption(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	}
	return level.AllowInfo()
}

func probeTimeout() time.Duration {
	return time.Duration(cfg.Tool.ProbeTimeout) * time.Second
}

// newExecutor builds the Executor described by cfg.
func newExecutor(s *storage.Storage, pub processor.Publisher) (*processor.Executor, error) {
	outDir, err := filepath.Abs(cfg.Processor.StorageDir)
	if err != nil {
		return nil, err
	}

	e := processor.NewExecutor(runner.New(cfg.Tool.Path), pub, job.ArgsConfig{
		OutputDir:      outDir,
		OutputTemplate: cfg.Tool.OutputTemplate,
		AudioFormat:    cfg.Tool.AudioFormat,
		UserAgent:      cfg.Tool.UserAgent,
		Verbose:        cfg.Tool.Verbose,
	}, logger)
	e.CredentialsFile = cfg.Tool.CookiesFile
	e.MaxAttempts = cfg.Tool.MaxAttempts
	e.ProbeTimeout = probeTimeout()
	e.Storage = s

	e.Archive, err = filestorage.New(cfg.Processor.StorageBackend)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func serve(c *cli.Context) error {
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	host, port := cfg.API.Host, cfg.API.Port
	if c.IsSet("host") {
		host = c.String("host")
	}
	if c.IsSet("port") {
		port = c.Int("port")
	}

	storage, err := storage.New(redisClient("extractor"))
	if err != nil {
		return err
	}

	broadcaster := notifier.New(storage, logger)
	if cfg.Notifier.Channel != "" {
		broadcaster.Channel = cfg.Notifier.Channel
	}
	if err = broadcaster.Start(context.TODO(), cfg.Backends); err != nil {
		return err
	}
	defer broadcaster.Stop()

	executor, err := newExecutor(storage, broadcaster)
	if err != nil {
		return err
	}

	processor, err := processor.New(executor, storage, cfg.Processor.StorageDir, cfg.Processor.QueueSize, logger)
	if err != nil {
		return err
	}
	if cfg.Processor.StatsInterval > 0 {
		processor.StatsIntvl = time.Duration(cfg.Processor.StatsInterval) * time.Second
	}
	processor.DiskMarks = diskcheck.Watermarks{
		High: cfg.Processor.DiskHighWatermark,
		Low:  cfg.Processor.DiskLowWatermark,
	}
	if cfg.Processor.DiskCheckInterval > 0 {
		processor.DiskInterval = time.Duration(cfg.Processor.DiskCheckInterval) * time.Second
	}

	api := api.New(storage, processor, host, port, logger)
	defer api.Close()
	api.Events = broadcaster
	api.Tool = executor.Runner
	api.DownloadsDir = cfg.Processor.StorageDir
	api.AllowedOrigin = cfg.API.AllowedOrigin

	closeChan := make(chan struct{})
	go processor.Start(closeChan)

	go func() {
		level.Info(logger).Log("msg", "Listening", "addr", api.Server.Addr)
		err := api.Server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "API server failed", "err", err)
			sigCh <- syscall.SIGTERM
		}
	}()

	<-sigCh
	level.Info(logger).Log("msg", "Shutting down gracefully...")
	err = api.Server.Shutdown(context.TODO())
	if err != nil {
		level.Error(logger).Log("msg", "Error shutting down API server", "err", err)
	}

	closeChan <- struct{}{}
	level.Info(logger).Log("msg", "Waiting for the running job to finish...")
	<-closeChan
	level.Info(logger).Log("msg", "Bye!")
	return nil
}

// fetch runs the given URLs through the executor in the foreground. Events
// are logged instead of broadcast. Redis is not needed.
func fetch(c *cli.Context) error {
	urls := []string(c.Args())
	if list := c.String("file"); list != "" {
		f, err := os.Open(list)
		if err != nil {
			return err
		}
		parsed, err := job.ParseURLList(f)
		f.Close()
		if err != nil {
			return err
		}
		urls = append(urls, parsed...)
	}
	if len(urls) == 0 {
		return cli.NewExitError("No URLs given", 1)
	}

	events := log.With(logger, "component", "events")
	pub := processor.PublisherFunc(func(ev job.Event) {
		payload, _ := ev.Payload()
		level.Info(events).Log("event", ev.Kind, "id", ev.JobID, "data", string(payload))
	})

	executor, err := newExecutor(nil, pub)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(executor.Args.OutputDir, 0755); err != nil {
		return err
	}

	if len(urls) == 1 {
		j, err := job.New(urls[0])
		if err != nil {
			return err
		}
		if err = executor.Execute(j); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	}

	batchID, jobs, err := job.NewBatch(urls)
	if err != nil {
		return err
	}
	state := executor.ExecuteBatch(batchID, jobs)
	if state.Failed > 0 {
		return cli.NewExitError(fmt.Sprintf("%d of %d downloads failed", state.Failed, state.Total), 1)
	}
	return nil
}

func redisClient(name string) *redis.Client {
	setName := func(c *redis.Conn) error {
		ok, err := c.ClientSetName(name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("Error setting Redis client name to " + name)
		}
		return nil
	}

	if len(cfg.Redis.Sentinel) > 0 {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.Redis.MasterName,
			SentinelAddrs: cfg.Redis.Sentinel,
			DB:            cfg.Redis.DB,
			OnConnect:     setName,
		})
	}
	return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB, OnConnect: setName})
}
