package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/easzlab/blobnfs/pkg/ipv4"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

var (
	// ErrResolution means the lookup itself failed: bad FQDN, NXDOMAIN,
	// server failure or no server reachable.
	ErrResolution = errors.New("dns resolution failed")

	// ErrAmbiguous means the name did not resolve to exactly one IPv4
	// address. Zone-redundant storage accounts return three addresses and
	// end up here.
	ErrAmbiguous = errors.New("dns resolution is ambiguous")

	// ErrFatalResolution means the resolver answered with an address that
	// does not pass validation, which points at a misbehaving resolver.
	ErrFatalResolution = errors.New("dns resolver returned an invalid address")
)

// Resolver resolves an FQDN to exactly one IPv4 address.
type Resolver interface {
	ResolveIPv4(ctx context.Context, fqdn string) (netip.Addr, error)
}

// Options configures a DNSResolver.
type Options struct {
	// Servers are "host" or "host:port" nameservers. When empty, the
	// nameservers of ResolvConf are used.
	Servers    []string
	ResolvConf string
	Timeout    time.Duration
}

// DNSResolver issues A queries with miekg/dns against a fixed server list.
type DNSResolver struct {
	servers   []string
	timeout   time.Duration
	udp       *dns.Client
	tcp       *dns.Client
	validator *ipv4.Validator
	logger    *zap.Logger
}

// type check
var _ Resolver = (*DNSResolver)(nil)

// NewDNSResolver creates a DNSResolver from explicit servers or resolv.conf.
func NewDNSResolver(opts Options, validator *ipv4.Validator, logger *zap.Logger) (*DNSResolver, error) {
	servers, err := serverList(opts)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &DNSResolver{
		servers:   servers,
		timeout:   timeout,
		udp:       &dns.Client{Net: "udp", Timeout: timeout},
		tcp:       &dns.Client{Net: "tcp", Timeout: timeout},
		validator: validator,
		logger:    logger,
	}, nil
}

func serverList(opts Options) ([]string, error) {
	if len(opts.Servers) > 0 {
		servers := make([]string, 0, len(opts.Servers))
		for _, server := range opts.Servers {
			if _, _, err := net.SplitHostPort(server); err != nil {
				server = net.JoinHostPort(server, "53")
			}
			servers = append(servers, server)
		}
		return servers, nil
	}

	clientConfig, err := dns.ClientConfigFromFile(opts.ResolvConf)
	if err != nil {
		return nil, fmt.Errorf("failed to read resolver config %s: %w", opts.ResolvConf, err)
	}
	if len(clientConfig.Servers) == 0 {
		return nil, fmt.Errorf("no nameservers in %s", opts.ResolvConf)
	}

	servers := make([]string, 0, len(clientConfig.Servers))
	for _, server := range clientConfig.Servers {
		servers = append(servers, net.JoinHostPort(server, clientConfig.Port))
	}
	return servers, nil
}

// Servers returns the nameservers queried, in order.
func (r *DNSResolver) Servers() []string {
	return append([]string(nil), r.servers...)
}

// ResolveIPv4 looks up the A records of fqdn and returns the single address.
func (r *DNSResolver) ResolveIPv4(ctx context.Context, fqdn string) (netip.Addr, error) {
	addr, err := r.resolve(ctx, fqdn)
	if err != nil {
		r.logger.Error("failed to resolve endpoint", zap.String("fqdn", fqdn), zap.Error(err))
		return netip.Addr{}, err
	}

	r.logger.Info("resolved endpoint", zap.String("fqdn", fqdn), zap.String("address", addr.String()))
	return addr, nil
}

func (r *DNSResolver) resolve(ctx context.Context, fqdn string) (netip.Addr, error) {
	if _, ok := dns.IsDomainName(fqdn); !ok || fqdn == "" {
		return netip.Addr{}, fmt.Errorf("%w: %q is not a valid domain name", ErrResolution, fqdn)
	}

	reply, err := r.exchange(ctx, fqdn)
	if err != nil {
		return netip.Addr{}, err
	}

	var answers []string
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			answers = append(answers, a.A.String())
		}
	}

	if len(answers) != 1 {
		return netip.Addr{}, fmt.Errorf("%w: %s has %d IPv4 addresses %v", ErrAmbiguous, fqdn, len(answers), answers)
	}

	addr, err := r.validator.Parse(answers[0])
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s resolved to %q: %w", ErrFatalResolution, fqdn, answers[0], err)
	}

	return addr, nil
}

// exchange tries every server in order and returns the first authoritative
// answer. NXDOMAIN is final; transport errors and SERVFAIL move on to the
// next server.
func (r *DNSResolver) exchange(ctx context.Context, fqdn string) (*dns.Msg, error) {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn(fqdn), dns.TypeA)
	query.RecursionDesired = true

	var errs []error
	for _, server := range r.servers {
		reply, err := r.exchangeOne(ctx, query, server)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}

		switch reply.Rcode {
		case dns.RcodeSuccess:
			return reply, nil
		case dns.RcodeNameError:
			return nil, fmt.Errorf("%w: %s does not exist (NXDOMAIN from %s)", ErrResolution, fqdn, server)
		default:
			errs = append(errs, fmt.Errorf("%s: rcode %s", server, dns.RcodeToString[reply.Rcode]))
		}

		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("%w: %s: %w", ErrResolution, fqdn, errors.Join(errs...))
}

func (r *DNSResolver) exchangeOne(ctx context.Context, query *dns.Msg, server string) (*dns.Msg, error) {
	queryCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reply, _, err := r.udp.ExchangeContext(queryCtx, query, server)
	if err != nil {
		return nil, err
	}
	if reply.Truncated {
		r.logger.Debug("truncated reply, retrying over tcp", zap.String("server", server))
		reply, _, err = r.tcp.ExchangeContext(queryCtx, query, server)
		if err != nil {
			return nil, err
		}
	}
	return reply, nil
}
