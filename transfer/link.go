package transfer

import (
	"net"

	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// LinkMonitor reports the device online when a non-loopback interface is up
type LinkMonitor struct {
	Logger logrus.FieldLogger

	// list is netlink.LinkList outside of tests
	list func() ([]netlink.Link, error)
}

var _ Connectivity = &LinkMonitor{}

// Online reports whether any non-loopback link is operationally up, or
// administratively up when the driver does not report an operational state
func (m *LinkMonitor) Online() bool {
	log := m.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	list := m.list
	if list == nil {
		list = netlink.LinkList
	}

	links, err := list()
	if err != nil {
		log.Warnf("could not list network links: %v", err)
		return false
	}

	for _, l := range links {
		attrs := l.Attrs()
		if attrs == nil || attrs.Flags&net.FlagLoopback != 0 {
			continue
		}

		switch attrs.OperState {
		case netlink.OperUp:
			log.Debugf("link %s is up", attrs.Name)
			return true
		case netlink.OperUnknown:
			if attrs.Flags&net.FlagUp != 0 {
				log.Debugf("link %s is flagged up", attrs.Name)
				return true
			}
		}
	}

	return false
}

// Always is a Connectivity that is always online
type Always struct{}

func (Always) Online() bool { return true }
