package graph

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/engine"
	"github.com/veritaslabs/veritas/types"
)

// hostResolver is the slice of net.Resolver the dns source needs.
type hostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// dnsRecords verifies the audit host against live DNS.
type dnsRecords struct {
	resolver hostResolver
}

func newDNSRecords() *dnsRecords { return &dnsRecords{resolver: net.DefaultResolver} }

func (*dnsRecords) Name() string            { return "dns_records" }
func (*dnsRecords) Tier() engine.FanoutTier { return engine.FanoutFast }

func (s *dnsRecords) Lookup(ctx context.Context, snap *types.AuditState, _ *agent.Toolkit) ([]types.GraphEntity, error) {
	host := auditHost(snap)
	if host == "" {
		return nil, errors.New("no hostname to resolve")
	}

	var entities []types.GraphEntity

	addrs, err := s.resolver.LookupHost(ctx, host)
	switch {
	case err == nil && len(addrs) > 0:
		entities = append(entities, types.GraphEntity{
			Name:   host,
			Kind:   "domain",
			Status: types.EntityVerified,
			Source: s.Name(),
			Note:   fmt.Sprintf("resolves to %d address(es)", len(addrs)),
		})
	case isNXDomain(err):
		// A host that no longer resolves contradicts the page's claim to
		// be a live operation.
		entities = append(entities, types.GraphEntity{
			Name:   host,
			Kind:   "domain",
			Status: types.EntityContradicted,
			Source: s.Name(),
			Note:   "host does not resolve",
		})
		return entities, nil
	case err != nil:
		return nil, err
	}

	if mx, err := s.resolver.LookupMX(ctx, host); err == nil && len(mx) > 0 {
		entities = append(entities, types.GraphEntity{
			Name:   host,
			Kind:   "mail_setup",
			Status: types.EntityVerified,
			Source: s.Name(),
			Note:   "MX records present",
		})
	}

	if txts, err := s.resolver.LookupTXT(ctx, host); err == nil {
		for _, txt := range txts {
			if strings.HasPrefix(strings.ToLower(txt), "v=spf1") {
				entities = append(entities, types.GraphEntity{
					Name:   host,
					Kind:   "spf_policy",
					Status: types.EntityVerified,
					Source: s.Name(),
					Note:   "SPF policy published",
				})
				break
			}
		}
	}

	return entities, nil
}

func isNXDomain(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

// whoisLite asks the IANA whois service who is responsible for the TLD and
// whether the domain has a registrar referral. It deliberately stops at the
// referral hop.
type whoisLite struct {
	server string
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

func newWhoisLite() *whoisLite {
	return &whoisLite{
		server: "whois.iana.org:43",
		dial:   (&net.Dialer{}).DialContext,
	}
}

func (*whoisLite) Name() string            { return "whois_lite" }
func (*whoisLite) Tier() engine.FanoutTier { return engine.FanoutMedium }

func (s *whoisLite) Lookup(ctx context.Context, snap *types.AuditState, _ *agent.Toolkit) ([]types.GraphEntity, error) {
	host := auditHost(snap)
	if host == "" || net.ParseIP(host) != nil {
		return []types.GraphEntity{{
			Name:   host,
			Kind:   "registration",
			Status: types.EntityUnknown,
			Source: s.Name(),
			Note:   "no registrable domain to query",
		}}, nil
	}

	conn, err := s.dial(ctx, "tcp", s.server)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "%s\r\n", registrableDomain(host)); err != nil {
		return nil, err
	}

	refer := ""
	scanner := bufio.NewScanner(io.LimitReader(conn, 64<<10))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if v, ok := strings.CutPrefix(line, "refer:"); ok {
			refer = strings.TrimSpace(v)
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	ent := types.GraphEntity{
		Name:   registrableDomain(host),
		Kind:   "registration",
		Source: s.Name(),
	}
	if refer != "" {
		ent.Status = types.EntityVerified
		ent.Note = "registry referral " + refer
	} else {
		ent.Status = types.EntityUnknown
		ent.Note = "no registry referral"
	}
	return []types.GraphEntity{ent}, nil
}

// registrableDomain keeps the last two labels. Good enough for the
// referral hop; multi-label public suffixes degrade to unknown.
func registrableDomain(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// reputationFeeds checks the audit host against plain-text denylist feeds,
// one host per line, fetched over HTTP.
type reputationFeeds struct {
	feeds []string
}

func newReputationFeeds(feeds []string) *reputationFeeds { return &reputationFeeds{feeds: feeds} }

// NewReputationFeeds builds the feed source over the given feed URLs.
func NewReputationFeeds(feeds []string) Source { return newReputationFeeds(feeds) }

func (*reputationFeeds) Name() string            { return "reputation_feeds" }
func (*reputationFeeds) Tier() engine.FanoutTier { return engine.FanoutDeep }

func (s *reputationFeeds) Lookup(ctx context.Context, snap *types.AuditState, tk *agent.Toolkit) ([]types.GraphEntity, error) {
	host := strings.ToLower(auditHost(snap))
	if host == "" {
		return nil, errors.New("no hostname to check")
	}
	if len(s.feeds) == 0 {
		return []types.GraphEntity{{
			Name:   host,
			Kind:   "reputation",
			Status: types.EntityUnknown,
			Source: s.Name(),
			Note:   "no feeds configured",
		}}, nil
	}

	for _, feed := range s.feeds {
		listed, err := s.checkFeed(ctx, tk.HTTP, feed, host)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", feed, err)
		}
		if listed {
			return []types.GraphEntity{{
				Name:   host,
				Kind:   "reputation",
				Status: types.EntityContradicted,
				Source: s.Name(),
				Note:   "listed on " + feed,
			}}, nil
		}
	}
	return []types.GraphEntity{{
		Name:   host,
		Kind:   "reputation",
		Status: types.EntityVerified,
		Source: s.Name(),
		Note:   fmt.Sprintf("absent from %d feed(s)", len(s.feeds)),
	}}, nil
}

func (s *reputationFeeds) checkFeed(ctx context.Context, client *http.Client, feed, host string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(io.LimitReader(resp.Body, 8<<20))
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == host || strings.HasSuffix(host, "."+line) {
			return true, nil
		}
	}
	return false, scanner.Err()
}
