package main

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// ErrNoMX means the recipient's domain can't receive mail.
var ErrNoMX = errors.New("domain has no mail exchanger")

const resolvConf = "/etc/resolv.conf"

// MXChecker checks that recipient domains accept mail. Answers are cached
// per domain for the life of the checker; resolver failures are not.
type MXChecker struct {
	client *dns.Client
	server string
	cache  map[string]error
}

// NewMXChecker queries server (host or host:port), or the first nameserver
// in /etc/resolv.conf if server is empty.
func NewMXChecker(server string, timeout time.Duration) (*MXChecker, error) {
	if server == "" {
		cc, err := dns.ClientConfigFromFile(resolvConf)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read resolver configuration")
		}
		if len(cc.Servers) == 0 {
			return nil, errors.Errorf("no nameservers in %s", resolvConf)
		}
		server = net.JoinHostPort(cc.Servers[0], cc.Port)
	} else if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &MXChecker{
		client: &dns.Client{Timeout: timeout},
		server: server,
		cache:  map[string]error{},
	}, nil
}

// Check returns nil if the domain of address has an MX record, or failing
// that an address record (the implicit MX of RFC 5321). It returns an error
// wrapping ErrNoMX if the domain can't receive mail, and some other error if
// the question couldn't be answered.
func (m *MXChecker) Check(ctx context.Context, address string) error {
	domain := strings.ToLower(emailHost(address))
	if domain == "" {
		return errors.Wrapf(ErrNoMX, "'%s' has no domain", address)
	}
	if err, ok := m.cache[domain]; ok {
		return err
	}
	err := m.lookup(ctx, domain)
	if err == nil || errors.Is(err, ErrNoMX) {
		m.cache[domain] = err
	}
	return err
}

func (m *MXChecker) lookup(ctx context.Context, domain string) error {
	answer, rcode, err := m.query(ctx, domain, dns.TypeMX)
	if err != nil {
		return err
	}
	if rcode == dns.RcodeNameError {
		return errors.Wrapf(ErrNoMX, "%s does not exist", domain)
	}
	var mxes []*dns.MX
	for _, rr := range answer {
		if mx, ok := rr.(*dns.MX); ok {
			mxes = append(mxes, mx)
		}
	}
	// RFC 7505 null MX
	if len(mxes) == 1 && mxes[0].Mx == "." {
		return errors.Wrapf(ErrNoMX, "%s publishes a null MX", domain)
	}
	if len(mxes) > 0 {
		return nil
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answer, _, err := m.query(ctx, domain, qtype)
		if err != nil {
			return err
		}
		for _, rr := range answer {
			if rr.Header().Rrtype == qtype {
				return nil
			}
		}
	}
	return errors.Wrapf(ErrNoMX, "%s has no MX or address records", domain)
}

func (m *MXChecker) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, int, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	r, _, err := m.client.ExchangeContext(ctx, msg, m.server)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "%s lookup for %s failed", dns.TypeToString[qtype], name)
	}
	if r.Rcode != dns.RcodeSuccess && r.Rcode != dns.RcodeNameError {
		return nil, r.Rcode, errors.Errorf("%s lookup for %s failed: %s", dns.TypeToString[qtype], name, dns.RcodeToString[r.Rcode])
	}
	return r.Answer, r.Rcode, nil
}

func emailHost(email string) string {
	at := strings.LastIndex(email, "@")
	if at == -1 {
		return ""
	}
	return email[at+1:]
}
