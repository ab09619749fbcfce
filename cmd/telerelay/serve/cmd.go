package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/telerelay/cmd/telerelay/subcmd"
	"github.com/temoto/telerelay/internal/config"
	"github.com/temoto/telerelay/internal/relay"
	"github.com/temoto/telerelay/log2"
)

var Mod = subcmd.Mod{Name: "serve", Usage: "run relay (default)", Main: Main}

func Main(ctx context.Context, log *log2.Log, config *config.Config, args []string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := relay.NewServer(relay.Options{Log: log, Config: config})
	if err != nil {
		return errors.Annotate(err, "serve")
	}
	if err = s.Listen(); err != nil {
		return errors.Annotate(err, "serve")
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	log.Infof("serve ready addr=%s", s.Addr())

	go func() {
		<-ctx.Done()
		log.Infof("serve stop requested")
		subcmd.SdNotify(daemon.SdNotifyStopping)
	}()
	return s.Run(ctx)
}
