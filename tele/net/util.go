package telenet

import (
	"net"
	"net/url"

	"github.com/juju/errors"
)

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// udp://host:port -> network, hostport
func parseURI(s string) (network, hostport string, err error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", "", errors.Annotatef(err, "parse url=%s", s)
	}
	switch u.Scheme {
	case "udp", "udp4", "udp6":
	default:
		return "", "", errors.NotSupportedf("protocol=%s", u.Scheme)
	}
	if u.Host == "" {
		return "", "", errors.NotValidf("empty address url=%s", s)
	}
	return u.Scheme, u.Host, nil
}
