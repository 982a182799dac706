package ledger

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"

	xerrors "ReceiptChain/internal/errors"
)

// DefaultAllowedHosts are the RPC providers trusted without configuration.
var DefaultAllowedHosts = []string{
	"localhost",
	"127.0.0.1",
	"infura.io",
	"alchemy.com",
	"quicknode.pro",
	"polygon-rpc.com",
	"blockstream.info",
}

// AllowList is an immutable set of RPC hosts. A host matches an entry when
// it equals the entry or is a subdomain of it. Extending the list returns a
// new value, so one list can be shared freely.
type AllowList struct {
	hosts []string
}

// NewAllowList builds a list from the given hosts.
func NewAllowList(hosts ...string) AllowList {
	return AllowList{}.With(hosts...)
}

// DefaultAllowList returns DefaultAllowedHosts as a list.
func DefaultAllowList() AllowList {
	return NewAllowList(DefaultAllowedHosts...)
}

// With returns a copy of the list extended by hosts.
func (a AllowList) With(hosts ...string) AllowList {
	set := make(map[string]struct{}, len(a.hosts)+len(hosts))
	for _, h := range a.hosts {
		set[h] = struct{}{}
	}
	for _, h := range hosts {
		h = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), ".")
		if h != "" {
			set[h] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Strings(out)
	return AllowList{hosts: out}
}

// Hosts returns a copy of the entries.
func (a AllowList) Hosts() []string {
	return append([]string(nil), a.hosts...)
}

// Check validates rawURL's scheme and host.
func (a AllowList) Check(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeConfigInvalid, err, "rpc url is malformed")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("rpc scheme %q is not allowed", u.Scheme))
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return xerrors.New(xerrors.CodeConfigInvalid, "rpc url has no host")
	}
	if a.allowsHost(host) {
		return nil
	}
	return xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("rpc host %s is not in the allow-list", host),
		xerrors.WithMetadata("host", host))
}

func (a AllowList) allowsHost(host string) bool {
	for _, entry := range a.hosts {
		if host == entry {
			return true
		}
		// IP literals only match exactly.
		if net.ParseIP(entry) == nil && strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}
