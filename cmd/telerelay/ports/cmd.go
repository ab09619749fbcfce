package ports

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/telerelay/cmd/telerelay/subcmd"
	"github.com/temoto/telerelay/internal/config"
	"github.com/temoto/telerelay/internal/device"
	"github.com/temoto/telerelay/log2"
	"go.bug.st/serial/enumerator"
)

var Mod = subcmd.Mod{Name: "ports", Usage: "list serial ports, * marks discovered device", Main: Main}

func Main(ctx context.Context, log *log2.Log, config *config.Config, args []string) error {
	list, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return errors.Annotate(err, "list serial ports")
	}
	if config.Device.Path != "" {
		log.Infof("device.path=%s is set, discovery is skipped", config.Device.Path)
	}
	Print(os.Stdout, list, device.Match(list, config.Device.USB(), config.Device.Product()))
	return nil
}

func Print(w io.Writer, list []*enumerator.PortDetails, pick *enumerator.PortDetails) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no serial ports found")
		return
	}
	for _, p := range list {
		mark := " "
		if p == pick {
			mark = "*"
		}
		if p.IsUSB {
			fmt.Fprintf(w, "%s %s usb=%s:%s serial=%s product=%q\n", mark, p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
		} else {
			fmt.Fprintf(w, "%s %s\n", mark, p.Name)
		}
	}
}
