package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
)

const (
	AppName = "mailmerge"
	Version = "0.1.0"
)

func main() {
	var c Config
	err := c.ParseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			Exit(ExitOk)
		}
		Fatal(err)
	}
	if c.dump {
		_ = c.Dump(os.Stdout)
		Exit(ExitOk)
	}

	err = run(c)
	if err != nil {
		Fatal(err)
	}
	Exit(ExitOk)
}

func run(c Config) error {
	logger, logFile, err := NewLogger(c, time.Now())
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mailer := NewMailer(c, logger)
	runner := &Runner{
		Config: c,
		Logger: logger,
		Sender: mailer,
		Out:    os.Stdout,
	}
	if c.VerifyMX {
		checker, err := NewMXChecker(c.DNSServer, c.Timeout)
		if err != nil {
			return err
		}
		runner.Checker = checker
	}

	if c.dumpMail {
		err = runner.Preview(os.Stdout, mailer.Message)
	} else {
		_, err = runner.Run(ctx)
	}
	// Preconditions are in the log; the run still counts as a success.
	if errors.Is(err, ErrPrecondition) {
		return nil
	}
	return err
}
