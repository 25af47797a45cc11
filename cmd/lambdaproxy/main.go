package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda/messages"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/prognoshealth/lambdaproxy/app"
	"github.com/prognoshealth/lambdaproxy/config"
	"github.com/prognoshealth/lambdaproxy/logging"
	"github.com/prognoshealth/lambdaproxy/runtimeapi"
)

const initErrorType = "Runtime.InitError"

type options struct {
	envFile     string
	port        int
	backend     string
	backendKind string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "lambdaproxy",
		Short:         "Lambda runtime proxy",
		Long:          `Serves Lambda invocations and local HTTP requests from a single HTTP backend`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.envFile, "env-file", "", "Path to a .env file loaded before the environment is read")
	cmd.Flags().IntVar(&opts.port, "port", 8000, "Local listener port (PORT)")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "Backend url (BACKEND)")
	cmd.Flags().StringVar(&opts.backendKind, "backend-kind", "", "Backend connection kind: http, invoke or lambda (BACKEND_KIND)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level (LOG_LEVEL)")

	return cmd
}

// apply overrides the configuration with the flags set on the command line.
func (opts *options) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	if flags.Changed("port") {
		cfg.Port = opts.port
	}

	if flags.Changed("backend") {
		cfg.Backend = opts.backend
	}

	if flags.Changed("backend-kind") {
		cfg.BackendKind = opts.backendKind
	}

	if flags.Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
}

func run(cmd *cobra.Command, opts *options) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)

	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return initFailure(log, os.Getenv("AWS_LAMBDA_RUNTIME_API"), err)
	}

	opts.apply(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return initFailure(log, cfg.RuntimeAPI, err)
	}

	if log, err = logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout); err != nil {
		return initFailure(logrus.StandardLogger(), cfg.RuntimeAPI, err)
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return initFailure(log, cfg.RuntimeAPI, err)
	}

	return a.Run(ctx)
}

// initFailure logs a startup failure and reports it to the Runtime API when
// running inside Lambda.
func initFailure(log *logrus.Logger, runtimeAddr string, err error) error {
	log.WithError(err).Error("failed starting proxy")

	if runtimeAddr == "" {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	api := runtimeapi.New(runtimeAddr, logging.Component(log, "runtimeapi"))
	ierr := &messages.InvokeResponse_Error{Type: initErrorType, Message: err.Error()}

	if rerr := api.InitError(ctx, ierr); rerr != nil {
		log.WithError(rerr).Error("failed reporting init error")
	}

	return err
}
