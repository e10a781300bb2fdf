// Copyright 2014 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package nat

import (
	"fmt"
	"net"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
)

func natPMPClient(gateway net.IP) *natpmp.Client {
	return natpmp.NewClient(gateway)
}

type pmp struct {
	gw net.IP
	c  *natpmp.Client
}

func (n *pmp) String() string {
	return fmt.Sprintf("NAT-PMP(%v)", n.gw)
}

func (n *pmp) ExternalIP() (net.IP, error) {
	response, err := n.c.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	return response.ExternalIPAddress[:], nil
}

func (n *pmp) AddMapping(protocol string, extport, intport int, name string, lifetime time.Duration) error {
	if lifetime <= 0 {
		lifetime = 270 * time.Second
	}
	var err error
	_, err = n.c.AddPortMapping(protocol, intport, extport, int(lifetime/time.Second))
	return err
}

func (n *pmp) DeleteMapping(protocol string, extport, intport int) (err error) {
	_, err = n.c.AddPortMapping(protocol, intport, 0, 0)
	return err
}

// discoverPMP searches for a NAT-PMP gateway among the local machine's
// network interfaces, trying each directly-connected IPv4 subnet's
// gateway address in turn the way the teacher's own DHCP-less discovery
// loop does for other link-local protocols.
func discoverPMP() Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	clients := make([]*pmp, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil || ipnet.IP.IsLoopback() {
				continue
			}
			gw := guessGateway(ipnet)
			if gw == nil {
				continue
			}
			clients = append(clients, &pmp{gw: gw, c: natPMPClient(gw)})
		}
	}
	found := make(chan *pmp, len(clients))
	for _, c := range clients {
		c := c
		go func() {
			if _, err := c.c.GetExternalAddress(); err != nil {
				found <- nil
				return
			}
			found <- c
		}()
	}
	for range clients {
		if c := <-found; c != nil {
			return c
		}
	}
	return nil
}

// guessGateway returns the first address of ipnet's subnet, the
// conventional router address for a /24 or larger home network.
func guessGateway(ipnet *net.IPNet) net.IP {
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return nil
	}
	gw := make(net.IP, len(ip4))
	copy(gw, ip4)
	gw = gw.Mask(ipnet.Mask)
	gw[len(gw)-1] |= 1
	if gw.Equal(ip4) {
		return nil
	}
	return gw
}
