// Package portexposer maps a local listening port through a UPnP IGD so
// inbound peer connections can reach this node behind NAT, grounded in the
// teacher's lib/platform/upnp adapter (same internetgateway2 client, same
// "find the local IP that shares the gateway's subnet" trick).
package portexposer

import (
	"errors"
	"net"

	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/nilsbren/swarmcore/internal/logger"
)

var log = logger.Named("portexposer")

// Exposer maps a single local TCP port to an external port via the first
// discovered Internet Gateway Device.
type Exposer struct {
	localPort uint16
	extPort   uint16
	client    *internetgateway2.WANIPConnection1
}

// New builds an Exposer for localPort. Start must be called to perform
// discovery and the mapping.
func New(localPort uint16) *Exposer {
	return &Exposer{localPort: localPort, extPort: localPort}
}

// Start discovers an IGD and maps e.localPort through it, retrying with an
// incrementing external port on collision.
func (e *Exposer) Start() error {
	clients, errs, err := internetgateway2.NewWANIPConnection1Clients()
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		if len(errs) > 0 {
			return errs[0]
		}
		return errors.New("portexposer: no WANIPConnection1 clients found")
	}
	client := clients[0]

	myIP, err := localIPSharingSubnetWith(client.Location.Host)
	if err != nil {
		return err
	}

	extPort := e.localPort
	for {
		internalPort, internalClient, _, _, _, err := client.GetSpecificPortMappingEntry("", extPort, "TCP")
		if err != nil {
			break // no existing mapping at this port, safe to claim
		}
		if net.ParseIP(internalClient).Equal(myIP) && internalPort == e.localPort {
			break // our own stale mapping from a previous run
		}
		extPort++
	}

	if err := client.AddPortMapping("", extPort, "TCP", e.localPort, myIP.String(), false, "swarmcore", 0); err != nil {
		return err
	}
	e.client = client
	e.extPort = extPort
	log.Sugar().Infow("UPnP mapping established", "local", e.localPort, "external", extPort, "gateway_ip", myIP.String())
	return nil
}

// Port returns the externally reachable port, valid after Start succeeds.
func (e *Exposer) Port() uint16 {
	return e.extPort
}

// Stop removes the port mapping. Safe to call even if Start never
// succeeded.
func (e *Exposer) Stop() {
	if e.client == nil {
		return
	}
	if err := e.client.DeletePortMapping("", e.extPort, "TCP"); err != nil {
		log.Sugar().Debugw("failed to remove UPnP mapping", "err", err)
	}
}

func localIPSharingSubnetWith(igdHostPort string) (net.IP, error) {
	host, _, err := net.SplitHostPort(igdHostPort)
	if err != nil {
		return nil, err
	}
	gwIP := net.ParseIP(host)

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, ipNet, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			if ipNet.Contains(gwIP) {
				return ip, nil
			}
		}
	}
	return nil, errors.New("portexposer: no local interface shares the gateway's subnet")
}
