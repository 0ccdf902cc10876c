package app

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"go4.org/netipx"
)

var ErrBadBlacklistEntry = errors.New("app: bad blacklist entry")

// Blacklist denies source addresses by IP or CIDR prefix.
type Blacklist struct {
	entries []string
	set     *netipx.IPSet
}

func NewBlacklist(entries []string) (*Blacklist, error) {
	b := &Blacklist{}
	for _, e := range entries {
		p, err := parseBlacklistEntry(e)
		if err != nil {
			return nil, err
		}
		b.entries = append(b.entries, p.String())
	}
	return b, b.rebuild()
}

func parseBlacklistEntry(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("%w %q: %v", ErrBadBlacklistEntry, s, err)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w %q: %v", ErrBadBlacklistEntry, s, err)
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

func (b *Blacklist) rebuild() error {
	slices.Sort(b.entries)
	b.entries = slices.Compact(b.entries)
	var bld netipx.IPSetBuilder
	for _, e := range b.entries {
		bld.AddPrefix(netip.MustParsePrefix(e))
	}
	set, err := bld.IPSet()
	if err != nil {
		return err
	}
	b.set = set
	return nil
}

func (b *Blacklist) Contains(addr netip.Addr) bool {
	return b.set != nil && b.set.Contains(addr.Unmap())
}

// Add returns the normalized entry.
func (b *Blacklist) Add(entry string) (string, error) {
	p, err := parseBlacklistEntry(entry)
	if err != nil {
		return "", err
	}
	b.entries = append(b.entries, p.String())
	return p.String(), b.rebuild()
}

func (b *Blacklist) Remove(entry string) (bool, error) {
	p, err := parseBlacklistEntry(entry)
	if err != nil {
		return false, err
	}
	i := slices.Index(b.entries, p.String())
	if i < 0 {
		return false, nil
	}
	b.entries = slices.Delete(b.entries, i, i+1)
	return true, b.rebuild()
}

func (b *Blacklist) Entries() []string {
	return slices.Clone(b.entries)
}
