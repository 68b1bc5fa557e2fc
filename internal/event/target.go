package event

import (
	"net"
	"strings"

	"github.com/netrecon/sweeper/internal/errs"
)

// TargetType identifies what kind of seed value a scan starts from.
type TargetType string

const (
	TargetInternetName   TargetType = "INTERNET_NAME"
	TargetIPAddress      TargetType = "IP_ADDRESS"
	TargetIPv6Address    TargetType = "IPV6_ADDRESS"
	TargetNetblockOwner  TargetType = "NETBLOCK_OWNER"
	TargetNetblockMember TargetType = "NETBLOCK_MEMBER"
	TargetEmailAddr      TargetType = "EMAILADDR"
	TargetPhoneNumber    TargetType = "PHONE_NUMBER"
	TargetHumanName      TargetType = "HUMAN_NAME"
	TargetUsername       TargetType = "USERNAME"
	TargetBitcoinAddress TargetType = "BITCOIN_ADDRESS"
)

// Alias is an alternative identity of the target discovered during a scan.
type Alias struct {
	Type  TargetType
	Value string
}

// Target is the scan seed plus the scope derived from it.
type Target struct {
	Value string
	Type  TargetType

	// IncludeParents treats parent domains of the seed as in scope.
	IncludeParents bool
	// IncludeChildren treats subdomains of the seed as in scope.
	IncludeChildren bool

	aliases []Alias
}

// NewTarget validates and builds a scan target.
func NewTarget(value string, targetType TargetType) (*Target, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errs.Newf(errs.KindValidation, "new_target", "target value must not be empty")
	}
	switch targetType {
	case TargetInternetName, TargetIPAddress, TargetIPv6Address,
		TargetNetblockOwner, TargetNetblockMember, TargetEmailAddr,
		TargetPhoneNumber, TargetHumanName, TargetUsername, TargetBitcoinAddress:
	default:
		return nil, errs.Newf(errs.KindValidation, "new_target", "unknown target type %q", targetType)
	}

	switch targetType {
	case TargetIPAddress, TargetIPv6Address:
		if net.ParseIP(value) == nil {
			return nil, errs.Newf(errs.KindValidation, "new_target", "invalid IP address %q", value)
		}
	case TargetNetblockOwner, TargetNetblockMember:
		if _, _, err := net.ParseCIDR(value); err != nil {
			return nil, errs.Newf(errs.KindValidation, "new_target", "invalid CIDR %q: %v", value, err)
		}
	}

	return &Target{Value: value, Type: targetType}, nil
}

// DetectTargetType infers the seed type from its shape. Anything that is
// not an address, netblock, email, or phone number is treated as an
// internet name.
func DetectTargetType(value string) TargetType {
	value = strings.TrimSpace(value)
	if ip := net.ParseIP(value); ip != nil {
		if ip.To4() != nil {
			return TargetIPAddress
		}
		return TargetIPv6Address
	}
	if _, _, err := net.ParseCIDR(value); err == nil {
		return TargetNetblockOwner
	}
	if strings.Count(value, "@") == 1 && !strings.ContainsAny(value, " /") {
		return TargetEmailAddr
	}
	if strings.HasPrefix(value, "+") && len(strings.TrimLeft(value[1:], "0123456789 -")) == 0 {
		return TargetPhoneNumber
	}
	return TargetInternetName
}

// AddAlias records an alternative identity for scope matching.
func (t *Target) AddAlias(aliasType TargetType, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	for _, a := range t.aliases {
		if a.Type == aliasType && strings.EqualFold(a.Value, value) {
			return
		}
	}
	t.aliases = append(t.aliases, Alias{Type: aliasType, Value: value})
}

// Aliases returns a copy of the recorded aliases.
func (t *Target) Aliases() []Alias {
	out := make([]Alias, len(t.aliases))
	copy(out, t.aliases)
	return out
}

// Matches reports whether an observed value is on-scope for this target.
func (t *Target) Matches(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}

	if strings.EqualFold(value, t.Value) {
		return true
	}
	for _, a := range t.aliases {
		if strings.EqualFold(a.Value, value) {
			return true
		}
	}

	switch t.Type {
	case TargetNetblockOwner, TargetNetblockMember:
		if ip := net.ParseIP(value); ip != nil {
			if _, cidr, err := net.ParseCIDR(t.Value); err == nil && cidr.Contains(ip) {
				return true
			}
		}
	case TargetInternetName:
		if t.matchesDomain(t.Value, value) {
			return true
		}
	}

	// Alias netblocks and names also contribute to scope.
	for _, a := range t.aliases {
		switch a.Type {
		case TargetNetblockOwner, TargetNetblockMember:
			if ip := net.ParseIP(value); ip != nil {
				if _, cidr, err := net.ParseCIDR(a.Value); err == nil && cidr.Contains(ip) {
					return true
				}
			}
		case TargetInternetName:
			if t.matchesDomain(a.Value, value) {
				return true
			}
		}
	}

	return false
}

// matchesDomain applies the parent/child inclusion flags to a name pair.
func (t *Target) matchesDomain(scopeName, value string) bool {
	scopeName = strings.ToLower(strings.TrimSuffix(scopeName, "."))
	value = strings.ToLower(strings.TrimSuffix(value, "."))

	if scopeName == value {
		return true
	}
	if t.IncludeChildren && strings.HasSuffix(value, "."+scopeName) {
		return true
	}
	if t.IncludeParents && strings.HasSuffix(scopeName, "."+value) {
		return true
	}
	return false
}
