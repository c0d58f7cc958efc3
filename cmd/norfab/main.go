package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/norfablabs/norfab"
	"github.com/norfablabs/norfab/broker"
	"github.com/norfablabs/norfab/client"
	"github.com/norfablabs/norfab/protocol"
	"github.com/norfablabs/norfab/security"
)

func main() {
	app := &cli.App{
		Name:    "norfab",
		Usage:   "Distributed job fabric",
		Version: norfab.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "inventory",
				Aliases: []string{"i"},
				Value:   "inventory.yaml",
				Usage:   "path to the inventory document",
				EnvVars: []string{"NORFAB_INVENTORY"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			brokerCommand(),
			workerCommand(),
			jobCommand(),
			fileCommand(),
			showCommand(),
			keysCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func waitSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the broker and workers named in the inventory topology",
		Action: func(ctx *cli.Context) error {
			fabric, err := norfab.New(ctx.String("inventory"))
			if err != nil {
				return err
			}
			if err := fabric.Start(); err != nil {
				fabric.Destroy()
				return err
			}
			waitSignal()
			fabric.Destroy()
			return nil
		},
	}
}

func brokerCommand() *cli.Command {
	return &cli.Command{
		Name:  "broker",
		Usage: "Start a standalone broker",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "endpoint", Value: "tcp://127.0.0.1:5555", Usage: "bind endpoint"},
			&cli.StringFlag{Name: "metrics", Usage: "prometheus listen address"},
			&cli.BoolFlag{Name: "no-auth", Usage: "disable CURVE encryption"},
			&cli.StringFlag{Name: "keys-dir", Value: ".", Usage: "certificate directory"},
		},
		Action: func(ctx *cli.Context) error {
			cfg := broker.Config{
				Endpoint:      ctx.String("endpoint"),
				Version:       norfab.Version,
				Logger:        newLogger(),
				MetricsListen: ctx.String("metrics"),
			}
			if !ctx.Bool("no-auth") {
				cert, err := security.LoadOrCreate(ctx.String("keys-dir"), "broker")
				if err != nil {
					return err
				}
				cfg.Cert = cert
			}
			b, err := broker.New(cfg)
			if err != nil {
				return err
			}
			go func() {
				waitSignal()
				b.Destroy()
			}()
			return b.Run()
		},
	}
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Start one worker from the inventory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Required: true, Usage: "worker name in the inventory"},
		},
		Action: func(ctx *cli.Context) error {
			fabric, err := norfab.New(ctx.String("inventory"))
			if err != nil {
				return err
			}
			name := ctx.String("name")
			if _, ok := fabric.Inventory.Workers[name]; !ok {
				return fmt.Errorf("worker %s not in inventory", name)
			}
			fabric.Inventory.Topology.Broker = false
			fabric.Inventory.Topology.Workers = []string{name}
			if err := fabric.StartWorkers(); err != nil {
				return err
			}
			waitSignal()
			fabric.Destroy()
			return nil
		},
	}
}

func withClient(ctx *cli.Context, fn func(*client.Client) error) error {
	fabric, err := norfab.New(ctx.String("inventory"))
	if err != nil {
		return err
	}
	c, err := fabric.MakeClient("cli")
	if err != nil {
		return err
	}
	defer c.Destroy()
	return fn(c)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func jobCommand() *cli.Command {
	jobFlags := []cli.Flag{
		&cli.StringFlag{Name: "service", Required: true, Usage: "target service"},
		&cli.StringFlag{Name: "task", Required: true, Usage: "task to run"},
		&cli.StringSliceFlag{Name: "arg", Usage: "positional argument, repeatable"},
		&cli.StringFlag{Name: "kwargs", Usage: "keyword arguments as JSON"},
		&cli.StringFlag{Name: "workers", Value: "all", Usage: "all, any or comma separated names"},
		&cli.DurationFlag{Name: "timeout", Value: client.DefaultJobTimeout, Usage: "job deadline"},
	}
	buildOpts := func(ctx *cli.Context) ([]client.JobOption, error) {
		opts := []client.JobOption{
			withTargetOption(ctx.String("workers")),
			client.WithTimeout(ctx.Duration("timeout")),
		}
		if args := ctx.StringSlice("arg"); len(args) > 0 {
			anyArgs := make([]any, len(args))
			for i, a := range args {
				anyArgs[i] = a
			}
			opts = append(opts, client.WithArgs(anyArgs...))
		}
		if raw := ctx.String("kwargs"); raw != "" {
			var kwargs map[string]any
			if err := json.Unmarshal([]byte(raw), &kwargs); err != nil {
				return nil, fmt.Errorf("parse kwargs: %w", err)
			}
			opts = append(opts, client.WithKwargs(kwargs))
		}
		return opts, nil
	}

	return &cli.Command{
		Name:  "job",
		Usage: "Submit and inspect jobs",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Submit a job and wait for its results",
				Flags: jobFlags,
				Action: func(ctx *cli.Context) error {
					opts, err := buildOpts(ctx)
					if err != nil {
						return err
					}
					return withClient(ctx, func(c *client.Client) error {
						job, err := c.RunJob(ctx.String("service"), ctx.String("task"), opts...)
						if err != nil {
							return err
						}
						return printJSON(map[string]any{
							"uuid":    job.UUID,
							"status":  job.Status,
							"results": job.ResultData,
							"errors":  job.Errors,
						})
					})
				},
			},
			{
				Name:  "post",
				Usage: "Submit a job and print its uuid without waiting",
				Flags: jobFlags,
				Action: func(ctx *cli.Context) error {
					opts, err := buildOpts(ctx)
					if err != nil {
						return err
					}
					return withClient(ctx, func(c *client.Client) error {
						juuid, err := c.Submit(ctx.String("service"), ctx.String("task"), opts...)
						if err != nil {
							return err
						}
						// give the runner a dispatch round before exiting
						time.Sleep(2 * time.Second)
						fmt.Println(juuid)
						return nil
					})
				},
			},
			{
				Name:      "get",
				Usage:     "Show a job from the local job database",
				ArgsUsage: "<uuid>",
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() != 1 {
						return fmt.Errorf("expected one job uuid")
					}
					return withClient(ctx, func(c *client.Client) error {
						job, err := c.Store().GetJob(ctx.Args().First())
						if err != nil {
							return err
						}
						return printJSON(job)
					})
				},
			},
		},
	}
}

// withTargetOption parses the CLI workers flag into a job option.
func withTargetOption(raw string) client.JobOption {
	target, err := protocol.ParseTarget([]byte(raw))
	if err != nil {
		// comma separated names
		target = protocol.TargetNames(strings.Split(raw, ",")...)
	}
	return client.WithTarget(target)
}

func fileCommand() *cli.Command {
	return &cli.Command{
		Name:  "file",
		Usage: "Interact with the file-sharing service",
		Subcommands: []*cli.Command{
			{
				Name:      "fetch",
				Usage:     "Download an nf:// file",
				ArgsUsage: "<url>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dst", Usage: "destination path"},
				},
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() != 1 {
						return fmt.Errorf("expected one nf:// url")
					}
					return withClient(ctx, func(c *client.Client) error {
						dst, err := c.FetchFile(ctx.Args().First(), ctx.String("dst"))
						if err != nil {
							return err
						}
						fmt.Println(dst)
						return nil
					})
				},
			},
			{
				Name:      "list",
				Usage:     "List files shared by the file-sharing service",
				ArgsUsage: "[url]",
				Action: func(ctx *cli.Context) error {
					return withClient(ctx, func(c *client.Client) error {
						kwargs := map[string]any{}
						if ctx.NArg() > 0 {
							kwargs["url"] = ctx.Args().First()
						}
						reply, err := c.Direct(protocol.FSSService, protocol.Request{
							Task: "list_files", Kwargs: kwargs,
						}, 0)
						if err != nil {
							return err
						}
						if reply.Status != protocol.StatusOK {
							return fmt.Errorf("%s: %s", reply.Status.String(), reply.Payload)
						}
						var out any
						if err := json.Unmarshal(reply.Payload, &out); err != nil {
							return err
						}
						return printJSON(out)
					})
				},
			},
		},
	}
}

func showCommand() *cli.Command {
	mmi := func(task string) func(*cli.Context) error {
		return func(ctx *cli.Context) error {
			return withClient(ctx, func(c *client.Client) error {
				var out any
				if err := c.MMI(task, nil, &out); err != nil {
					return err
				}
				return printJSON(out)
			})
		}
	}
	return &cli.Command{
		Name:  "show",
		Usage: "Query broker management services",
		Subcommands: []*cli.Command{
			{Name: "workers", Usage: "List registered workers", Action: mmi("show_workers")},
			{Name: "broker", Usage: "Show broker status", Action: mmi("show_broker")},
			{Name: "version", Usage: "Show broker version", Action: mmi("show_broker_version")},
			{Name: "inventory", Usage: "Show broker inventory", Action: mmi("show_broker_inventory")},
			{
				Name:      "worker-inventory",
				Usage:     "Show one worker's inventory data",
				ArgsUsage: "<name>",
				Action: func(ctx *cli.Context) error {
					if ctx.NArg() != 1 {
						return fmt.Errorf("expected one worker name")
					}
					return withClient(ctx, func(c *client.Client) error {
						data, err := c.WorkerInventory(ctx.Args().First())
						if err != nil {
							return err
						}
						return printJSON(data)
					})
				},
			},
		},
	}
}

func keysCommand() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "Manage CURVE certificates",
		Subcommands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "Generate a certificate",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Value: ".", Usage: "certificate directory"},
					&cli.StringFlag{Name: "name", Required: true, Usage: "certificate name"},
				},
				Action: func(ctx *cli.Context) error {
					cert, err := security.NewCertificate()
					if err != nil {
						return err
					}
					if err := cert.Save(ctx.String("dir"), ctx.String("name")); err != nil {
						return err
					}
					fmt.Println(cert.Public)
					return nil
				},
			},
		},
	}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()
}
