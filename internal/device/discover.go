package device

import (
	"os"
	"strings"

	"github.com/temoto/telerelay/log2"
	"go.bug.st/serial/enumerator"
)

// micro:bit DAPLink interface
var (
	DefaultMatchUSB     = []string{"0D28:0204"}
	DefaultMatchProduct = []string{"microbit", "micro:bit", "mbed"}
)

type ListFunc func() ([]*enumerator.PortDetails, error)

// PortDiscoverer finds serial port by fixed path, USB VID:PID or product name substring.
type PortDiscoverer struct {
	Log     *log2.Log
	Path    string
	USB     []string
	Product []string
	List    ListFunc
}

func (d *PortDiscoverer) Discover() (string, bool) {
	if d.Path != "" {
		if _, err := os.Stat(d.Path); err != nil {
			d.Log.Debugf("discover path=%s err=%v", d.Path, err)
			return "", false
		}
		return d.Path, true
	}

	list := d.List
	if list == nil {
		list = enumerator.GetDetailedPortsList
	}
	ports, err := list()
	if err != nil {
		d.Log.Errorf("discover list ports err=%v", err)
		return "", false
	}
	if p := Match(ports, d.USB, d.Product); p != nil {
		d.Log.Debugf("discover found name=%s vid=%s pid=%s product=%q", p.Name, p.VID, p.PID, p.Product)
		return p.Name, true
	}
	return "", false
}

// Match prefers USB id match over product name match, first port wins within kind.
func Match(ports []*enumerator.PortDetails, usb, product []string) *enumerator.PortDetails {
	for _, p := range ports {
		if p.IsUSB && matchUSB(p, usb) {
			return p
		}
	}
	for _, p := range ports {
		if matchProduct(p, product) {
			return p
		}
	}
	return nil
}

func matchUSB(p *enumerator.PortDetails, ids []string) bool {
	for _, id := range ids {
		vid, pid := id, ""
		if i := strings.IndexByte(id, ':'); i >= 0 {
			vid, pid = id[:i], id[i+1:]
		}
		if strings.EqualFold(p.VID, vid) && (pid == "" || strings.EqualFold(p.PID, pid)) {
			return true
		}
	}
	return false
}

func matchProduct(p *enumerator.PortDetails, subs []string) bool {
	product := strings.ToLower(p.Product)
	if product == "" {
		return false
	}
	for _, s := range subs {
		if s != "" && strings.Contains(product, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
